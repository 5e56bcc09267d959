package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return rep
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	if rep := decodeReport(t, rec); rep.Status != "ok" {
		t.Errorf("status field = %q, want ok", rep.Status)
	}
}

func TestReadyzReady(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(context.Context) error { return nil }},
		Checker{Name: "asr", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	rep := decodeReport(t, rec)
	if rep.Status != "ok" {
		t.Errorf("status field = %q, want ok", rep.Status)
	}
	for _, name := range []string{"store", "asr"} {
		if rep.Checks[name] != "ok" {
			t.Errorf("check %q = %q, want ok", name, rep.Checks[name])
		}
	}
}

func TestReadyzDependencyDown(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "asr", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	rep := decodeReport(t, rec)
	if rep.Status != "fail" {
		t.Errorf("status field = %q, want fail", rep.Status)
	}
	if rep.Checks["store"] != "fail: connection refused" {
		t.Errorf("store check = %q, want the failure detail", rep.Checks["store"])
	}
	if rep.Checks["asr"] != "ok" {
		t.Errorf("asr check = %q, want ok (checks are independent)", rep.Checks["asr"])
	}
}

func TestReadyzWithoutCheckers(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with nothing to probe", rec.Code)
	}
	if rep := decodeReport(t, rec); rep.Status != "ok" {
		t.Errorf("status field = %q, want ok", rep.Status)
	}
}

func TestReadyzChecksGetDeadline(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("checker context has no deadline")
		}
		return nil
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzCancelledRequest(t *testing.T) {
	h := New(Checker{Name: "store", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the probe is cancelled", rec.Code)
	}
}

func TestRegisterMountsRoutes(t *testing.T) {
	h := New(Checker{Name: "store", Check: func(context.Context) error { return nil }})

	r := chi.NewRouter()
	h.Register(r)

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s = %d, want 200", path, rec.Code)
			}
		})
	}
}
