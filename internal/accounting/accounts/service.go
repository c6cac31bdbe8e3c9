package accounts

import "context"

// View is the wire representation of a chart account.
type View struct {
	Code       Account    `json:"code"`
	Label      string     `json:"label"`
	Class      Class      `json:"class"`
	Convention Convention `json:"sign_convention"`
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns the fixed chart.
func (s *Service) List() []View {
	out := make([]View, 0, len(chart))
	for _, a := range ValidAccounts() {
		out = append(out, View{Code: a, Label: a.Label(), Class: a.Class(), Convention: SignConvention(a)})
	}
	return out
}

// Sync writes the chart to storage. A nil repository is a no-op.
func (s *Service) Sync(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Sync(ctx, ValidAccounts())
}
