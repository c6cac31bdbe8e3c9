package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/shared"
)

func TestEventPostingMap(t *testing.T) {
	cases := []struct {
		kind   EventKind
		source SourceType
		debit  accounts.Account
		credit accounts.Account
	}{
		{EventPaymentReceived, SourcePayment, accounts.Cash, accounts.AccountsReceivable},
		{EventOEMPayment, SourceOEMPayment, accounts.OEMPayable, accounts.Cash},
		{EventOEMCost, SourceOEMCost, accounts.Expense, accounts.OEMPayable},
		{EventExpense, SourceExpense, accounts.Expense, accounts.Cash},
		{EventCommission, SourceCommission, accounts.CommissionExpense, accounts.Cash},
		{EventInvoiceIssued, SourceInvoice, accounts.AccountsReceivable, accounts.Revenue},
		{EventTaxWithheld, SourceTaxWithheld, accounts.TDSPayable, accounts.Cash},
		{EventRefund, SourceRefund, accounts.Revenue, accounts.Cash},
	}
	require.Len(t, EventKinds(), len(cases))
	for _, tc := range cases {
		p, err := EventPosting(EventInput{Kind: tc.kind, SourceID: "1", Amount: amount("10"), Date: day})
		require.NoError(t, err, tc.kind)
		require.Equal(t, tc.source, p.SourceType, tc.kind)
		require.Equal(t, tc.debit, p.Lines[0].Account, tc.kind)
		require.Equal(t, accounts.Debit, p.Lines[0].EntryType)
		require.Equal(t, tc.credit, p.Lines[1].Account, tc.kind)
		require.Equal(t, accounts.Credit, p.Lines[1].EntryType)
		require.NoError(t, p.Validate())
	}
}

func TestRefundAgainstReceivable(t *testing.T) {
	p, err := EventPosting(EventInput{Kind: EventRefund, SourceID: "r1", Amount: amount("3"), Date: day, AgainstReceivable: true})
	require.NoError(t, err)
	require.Equal(t, accounts.AccountsReceivable, p.Lines[0].Account)
}

func TestUnknownEvent(t *testing.T) {
	_, err := EventPosting(EventInput{Kind: "bonus", SourceID: "1", Amount: amount("1"), Date: day})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = ParseEventKind("Payment_Received")
	require.NoError(t, err)
}
