package billing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/shared"
)

func TestSnapshotAppliesTaxAndOverrides(t *testing.T) {
	cost := decimal.RequireFromString("250")
	students := 40
	batch := Batch{
		ID:               11,
		UniversityID:     7,
		Name:             "Data Science 2025A",
		CostPerStudent:   decimal.RequireFromString("500"),
		NumberOfStudents: 20,
		TaxRate:          decimal.RequireFromString("18"),
	}

	snap := Snapshot(batch)
	require.Equal(t, "10000", snap.Subtotal.String())
	require.Equal(t, "1800", snap.Tax.String())
	require.Equal(t, "11800", snap.Amount.String())
	require.False(t, snap.CostOverride)
	require.False(t, snap.StudentOverride)

	batch.CostPerStudentOverride = &cost
	batch.NumberOfStudentsOverride = &students
	snap = Snapshot(batch)
	require.True(t, snap.CostOverride)
	require.True(t, snap.StudentOverride)
	require.Equal(t, 40, snap.NumberOfStudents)
	require.Equal(t, "10000", snap.Subtotal.String())
	require.Equal(t, "11800", snap.Amount.String())
}

func TestSnapshotRoundsTaxToCents(t *testing.T) {
	snap := Snapshot(Batch{
		CostPerStudent:   decimal.RequireFromString("333.33"),
		NumberOfStudents: 3,
		TaxRate:          decimal.RequireFromString("7.5"),
	})
	require.Equal(t, "999.99", snap.Subtotal.String())
	require.Equal(t, "75", snap.Tax.String())
	require.Equal(t, "1074.99", snap.Amount.String())
}

func TestSnapshotIsDetachedFromBatch(t *testing.T) {
	batch := Batch{CostPerStudent: decimal.RequireFromString("100"), NumberOfStudents: 10, TaxRate: decimal.Zero}
	snap := Snapshot(batch)
	batch.CostPerStudent = decimal.RequireFromString("900")
	batch.NumberOfStudents = 99
	require.Equal(t, "1000", snap.Amount.String())
}

func TestNextFollowsTransitionTable(t *testing.T) {
	cases := []struct {
		from   Status
		action Action
		want   Status
		ok     bool
	}{
		{StatusDraft, ActionPublish, StatusActive, true},
		{StatusDraft, ActionDelete, StatusRemoved, true},
		{StatusDraft, ActionSettle, StatusDraft, false},
		{StatusActive, ActionSettle, StatusPaid, true},
		{StatusActive, ActionArchive, StatusArchived, true},
		{StatusActive, ActionPublish, StatusActive, false},
		{StatusActive, ActionDelete, StatusActive, false},
		{StatusPaid, ActionReopen, StatusActive, true},
		{StatusPaid, ActionArchive, StatusArchived, true},
		{StatusArchived, ActionReopen, StatusArchived, false},
		{StatusArchived, ActionPublish, StatusArchived, false},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.action)
		if !tc.ok {
			require.Error(t, err, "%s %s", tc.action, tc.from)
			require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
			continue
		}
		require.NoError(t, err, "%s %s", tc.action, tc.from)
		require.Equal(t, tc.want, got)
	}
}

func TestCreateInputValidate(t *testing.T) {
	require.NoError(t, CreateInput{UniversityID: 1, Year: 2025}.Validate())

	err := CreateInput{Year: 1999}.Validate()
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "university")
	require.Contains(t, verr.Fields, "year")
}
