package reports_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/reports"
	"github.com/campusledger/campusledger/internal/store/memory"
)

func newReportsRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memory.New()
	seed(t, ledger.NewService(store.Ledger(), nil, nil), yearOfEvents...)
	h := reports.NewHandler(nil, reports.NewService(store.Reports(), nil, nil))
	r := chi.NewRouter()
	r.Route("/reports", h.MountRoutes)
	r.Get("/invoices/{id}/aging", h.InvoiceAging)
	return r
}

func get(router http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestSummaryEndpoint(t *testing.T) {
	router := newReportsRouter(t)

	rec := get(router, "/reports/summary?university=7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Income struct {
			Total string `json:"total"`
		} `json:"income"`
		ProfitLoss       string `json:"profit_loss"`
		TransactionCount int    `json:"transaction_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "13800", body.Income.Total)
	require.Equal(t, "13800", body.ProfitLoss)
	require.Equal(t, 3, body.TransactionCount)

	require.Equal(t, http.StatusBadRequest, get(router, "/reports/summary?start_date=2025-03-01&end_date=2025-01-01").Code)
	require.Equal(t, http.StatusBadRequest, get(router, "/reports/summary?university=x").Code)
}

func TestOverviewEndpoint(t *testing.T) {
	router := newReportsRouter(t)

	rec := get(router, "/reports/overview?as_of=2025-12-31")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Summary struct {
			ProfitLoss string `json:"profit_loss"`
		} `json:"summary"`
		Quarters []json.RawMessage `json:"quarters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "11400", body.Summary.ProfitLoss)
	require.Len(t, body.Quarters, 4)
}

func TestInvoiceAgingEndpointErrors(t *testing.T) {
	router := newReportsRouter(t)
	require.Equal(t, http.StatusBadRequest, get(router, "/invoices/not-a-uuid/aging").Code)
	require.Equal(t, http.StatusNotFound, get(router, "/invoices/3f2a9c1e-0000-4000-8000-000000000001/aging").Code)
}
