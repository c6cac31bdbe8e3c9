package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track("ledger:integrity_scan").End(nil)
	_ = metrics.Jobs().Track("invoices:overdue_sweep").End(errors.New("boom"))

	body := scrape(t, metrics)
	if !strings.Contains(body, `campusledger_jobs_total{job="ledger:integrity_scan",status="success"} 1`) {
		t.Fatalf("expected job success counter, got: %s", body)
	}
	if !strings.Contains(body, `campusledger_jobs_failures_total{job="invoices:overdue_sweep"} 1`) {
		t.Fatalf("expected job failure counter, got: %s", body)
	}
}

func TestLedgerCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObservePosting("payment", false)
	metrics.ObservePosting("payment", false)
	metrics.ObservePosting("payment", true)
	metrics.ObserveIntegrityFailure("unbalanced")

	body := scrape(t, metrics)
	for _, want := range []string{
		`campusledger_ledger_postings_total{kind="original",source_type="payment"} 2`,
		`campusledger_ledger_postings_total{kind="reversal",source_type="payment"} 1`,
		`campusledger_ledger_integrity_failures_total{reason="unbalanced"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in body: %s", want, body)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.ObservePosting("payment", false)
	nilMetrics.ObserveIntegrityFailure("unbalanced")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}
