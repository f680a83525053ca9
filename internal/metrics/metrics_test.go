package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/pools/{pool}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/pools/{pool}", "418"))
	for _, addr := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/pools/"+addr, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("expected 418, got %d", rec.Code)
		}
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/pools/{pool}", "418"))
	if after-before != 3 {
		t.Errorf("expected 3 requests under the route pattern, got %v", after-before)
	}
}

func TestObserveOperation_CountsErrorsByKind(t *testing.T) {
	before := testutil.ToFloat64(OperationErrors.WithLabelValues("payout", "state_conflict"))
	ObserveOperation("payout", time.Now(), "state_conflict")
	ObserveOperation("payout", time.Now(), "")
	after := testutil.ToFloat64(OperationErrors.WithLabelValues("payout", "state_conflict"))
	if after-before != 1 {
		t.Errorf("expected one error recorded, got %v", after-before)
	}
}
