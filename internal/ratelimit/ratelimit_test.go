package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/store/memory"
)

func testLimits() config.RateLimitsConfig {
	return config.RateLimitsConfig{
		ConnectionAttempt:    config.RateLimitRule{Limit: 3, WindowSeconds: 60},
		AudioChunk:           config.RateLimitRule{Limit: 5, WindowSeconds: 1},
		WarnAfterViolations:  2,
		CloseAfterViolations: 4,
	}
}

func newTestLimiter(t *testing.T) (*Limiter, *memory.Store, *time.Time) {
	t.Helper()
	st := memory.New()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	l := New(st, testLimits(), slog.New(slog.DiscardHandler),
		WithClock(func() time.Time { return now }))
	return l, st, &now
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLimiter(t)
	for i := 0; i < 3; i++ {
		v, err := l.Check(context.Background(), OpConnectionAttempt, IDTypeIP, "10.0.0.1")
		if err != nil {
			t.Fatalf("Check() #%d error = %v", i, err)
		}
		if v != VerdictAllow {
			t.Fatalf("Check() #%d = %v, want allow", i, v)
		}
	}
}

func TestCheckRejectsOverLimit(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.2"); err != nil {
			t.Fatalf("Check() #%d error = %v", i, err)
		}
	}

	v, err := l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.2")
	if v == VerdictAllow {
		t.Fatal("Check() over limit = allow")
	}
	var ee *ExceededError
	if !errors.As(err, &ee) {
		t.Fatalf("Check() error = %v, want *ExceededError", err)
	}
	if ee.RetryAfter <= 0 || ee.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %s, want within (0, 1m]", ee.RetryAfter)
	}
}

func TestCheckWindowSlides(t *testing.T) {
	t.Parallel()

	l, _, now := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.3"); err != nil {
			t.Fatalf("Check() #%d error = %v", i, err)
		}
	}
	if v, _ := l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.3"); v == VerdictAllow {
		t.Fatal("Check() at limit = allow")
	}

	// Two full windows later, both buckets are out of scope.
	*now = now.Add(2 * time.Minute)
	v, err := l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.3")
	if err != nil {
		t.Fatalf("Check() after window error = %v", err)
	}
	if v != VerdictAllow {
		t.Fatalf("Check() after window = %v, want allow", v)
	}
}

func TestCheckEscalation(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.Check(ctx, OpConnectionAttempt, IDTypeConnection, "conn-1")
	}

	verdicts := make([]Verdict, 0, 4)
	for i := 0; i < 4; i++ {
		v, _ := l.Check(ctx, OpConnectionAttempt, IDTypeConnection, "conn-1")
		verdicts = append(verdicts, v)
	}

	want := []Verdict{VerdictLimited, VerdictWarn, VerdictLimited, VerdictClose}
	for i := range want {
		if verdicts[i] != want[i] {
			t.Fatalf("violation #%d verdict = %v, want %v (all: %v)", i+1, verdicts[i], want[i], verdicts)
		}
	}
}

func TestForgetResetsEscalation(t *testing.T) {
	t.Parallel()

	l, _, now := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Check(ctx, OpConnectionAttempt, IDTypeConnection, "conn-2")
	}
	l.Forget(IDTypeConnection, "conn-2")

	// Fresh window, fresh offender state: next rejection is a plain limit.
	*now = now.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		l.Check(ctx, OpConnectionAttempt, IDTypeConnection, "conn-2")
	}
	v, _ := l.Check(ctx, OpConnectionAttempt, IDTypeConnection, "conn-2")
	if v != VerdictLimited {
		t.Fatalf("Check() after Forget = %v, want limited", v)
	}
}

func TestCheckUnknownOperationUnlimited(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLimiter(t)
	for i := 0; i < 100; i++ {
		v, err := l.Check(context.Background(), "bulk_export", IDTypeUser, "u1")
		if err != nil || v != VerdictAllow {
			t.Fatalf("Check() = %v, %v; want allow, nil", v, err)
		}
	}
}

func TestCheckIsolatesIdentifiers(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.9")
	}
	if v, _ := l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.9"); v == VerdictAllow {
		t.Fatal("saturated identifier still allowed")
	}
	v, err := l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.10")
	if err != nil || v != VerdictAllow {
		t.Fatalf("Check() other identifier = %v, %v; want allow, nil", v, err)
	}
}

func TestCheckOverLimitRecordsViolation(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	st := memory.New()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	l := New(st, testLimits(), slog.New(slog.DiscardHandler),
		WithClock(func() time.Time { return now }), WithMetrics(m))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		l.Check(ctx, OpConnectionAttempt, IDTypeIP, "10.0.0.20")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := int64(-1)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "polyvox.rate_limit.violations" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("violations metric is %T, want Sum[int64]", met.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, _ := dp.Attributes.Value(attribute.Key("operation")); v.AsString() == OpConnectionAttempt {
					got = dp.Value
				}
			}
		}
	}
	if got != 1 {
		t.Fatalf("violations{operation=%s} = %d, want 1", OpConnectionAttempt, got)
	}
}
