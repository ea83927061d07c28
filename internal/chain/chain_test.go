package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/haywire-radio/haywire/internal/observe"
)

// scripted is a fake provider returning canned outcomes in sequence.
type scripted struct {
	name     string
	outcomes []error
	calls    int
}

func (s *scripted) next() error {
	if s.calls >= len(s.outcomes) {
		return nil
	}
	err := s.outcomes[s.calls]
	s.calls++
	return err
}

func newTestChain(providers ...*scripted) *Chain[*scripted] {
	c := New[*scripted]("script")
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	for _, p := range providers {
		c.Add(p.name, p)
	}
	return c
}

func run(t *testing.T, c *Chain[*scripted]) (string, error) {
	t.Helper()
	return Execute(context.Background(), c, func(_ context.Context, p *scripted) (string, error) {
		if err := p.next(); err != nil {
			return "", err
		}
		return "payload-" + p.name, nil
	})
}

func TestExecute_FirstOKStopsChain(t *testing.T) {
	a := &scripted{name: "a"}
	b := &scripted{name: "b"}
	got, err := run(t, newTestChain(a, b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload-a" {
		t.Fatalf("payload = %q, want payload-a", got)
	}
	if b.calls != 0 {
		t.Fatalf("provider b was called %d times, want 0", b.calls)
	}
}

func TestExecute_QuotaSkipsWithoutRetry(t *testing.T) {
	a := &scripted{name: "a", outcomes: []error{Faultf(FaultQuota, "quota spent")}}
	b := &scripted{name: "b"}
	got, err := run(t, newTestChain(a, b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload-b" {
		t.Fatalf("payload = %q, want payload-b", got)
	}
	if a.calls != 1 {
		t.Fatalf("quota provider retried: %d calls", a.calls)
	}
}

func TestExecute_TransientRetriedThenNext(t *testing.T) {
	// Scenario S2 shape: a 429 on A, network resets on B, C succeeds.
	a := &scripted{name: "a", outcomes: []error{FromStatus(429, errors.New("too many requests")), FromStatus(429, errors.New("too many requests")), FromStatus(429, errors.New("too many requests")), FromStatus(429, errors.New("too many requests"))}}
	b := &scripted{name: "b", outcomes: []error{
		Faultf(FaultTransient, "reset"), Faultf(FaultTransient, "reset"), Faultf(FaultTransient, "reset"),
	}}
	cp := &scripted{name: "c"}

	c := newTestChain(a, b, cp)
	// Tight deadline turns a's repeated 429s into quota after the first waits.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := Execute(ctx, c, func(_ context.Context, p *scripted) (string, error) {
		if err := p.next(); err != nil {
			return "", err
		}
		return "payload-" + p.name, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload-c" {
		t.Fatalf("payload = %q, want payload-c", got)
	}
	if b.calls != 3 {
		t.Fatalf("transient provider calls = %d, want 3", b.calls)
	}
}

func TestExecute_PersistentRateLimitBounded(t *testing.T) {
	// A provider that answers 429 on every call, with a Retry-After the
	// budget always accommodates, must still degrade to quota after the
	// wait cap instead of spinning forever.
	always := make([]error, 64)
	for i := range always {
		always[i] = &Fault{Kind: FaultRateLimited, RetryAfter: time.Millisecond, Err: errors.New("too many requests")}
	}
	a := &scripted{name: "a", outcomes: always}
	b := &scripted{name: "b"}

	got, err := run(t, newTestChain(a, b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload-b" {
		t.Fatalf("payload = %q, want payload-b", got)
	}
	if want := 4; a.calls != want {
		t.Fatalf("rate-limited provider called %d times, want %d", a.calls, want)
	}
}

func TestExecute_AllFailTerminal(t *testing.T) {
	a := &scripted{name: "a", outcomes: []error{Faultf(FaultQuota, "spent"), Faultf(FaultQuota, "spent")}}
	b := &scripted{name: "b", outcomes: []error{Faultf(FaultPermanent, "bad auth"), Faultf(FaultPermanent, "bad auth")}}
	_, err := run(t, newTestChain(a, b))
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", a.calls, b.calls)
	}
}

func TestExecute_RecordsProviderCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	a := &scripted{name: "a", outcomes: []error{Faultf(FaultQuota, "spent")}}
	b := &scripted{name: "b"}
	c := newTestChain(a, b)
	c.metrics = m

	if _, err := run(t, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[met.Name] += dp.Value
			}
		}
	}
	if totals["haywire.provider.requests"] != 2 {
		t.Errorf("provider requests = %d, want 2", totals["haywire.provider.requests"])
	}
	if totals["haywire.provider.errors"] != 1 {
		t.Errorf("provider errors = %d, want 1", totals["haywire.provider.errors"])
	}
}

func TestExecute_EmptyChain(t *testing.T) {
	_, err := run(t, newTestChain())
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
}

func TestExecute_OrderIsStatic(t *testing.T) {
	// A fails this call; the next call must still start at A.
	a := &scripted{name: "a", outcomes: []error{Faultf(FaultQuota, "spent")}}
	b := &scripted{name: "b"}
	c := newTestChain(a, b)

	if _, err := run(t, c); err != nil {
		t.Fatalf("first call: %v", err)
	}
	got, err := run(t, c)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got != "payload-a" {
		t.Fatalf("second call payload = %q, want payload-a (priority must not change)", got)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FaultKind
	}{
		{429, FaultRateLimited},
		{402, FaultQuota},
		{403, FaultQuota},
		{500, FaultTransient},
		{503, FaultTransient},
		{400, FaultPermanent},
		{401, FaultPermanent},
	}
	for _, tt := range tests {
		if got := FromStatus(tt.status, errors.New("x")).Kind; got != tt.want {
			t.Errorf("FromStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassify_PassthroughAndDeadline(t *testing.T) {
	f := Faultf(FaultQuota, "spent")
	if got := Classify(f); got.Kind != FaultQuota {
		t.Fatalf("passthrough kind = %v", got.Kind)
	}
	if got := Classify(context.DeadlineExceeded); got.Kind != FaultTransient {
		t.Fatalf("deadline kind = %v", got.Kind)
	}
	if got := Classify(errors.New("opaque")); got.Kind != FaultPermanent {
		t.Fatalf("opaque kind = %v", got.Kind)
	}
}
