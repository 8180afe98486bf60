package breaker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)}
}

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return log
}

func testRegistry(tb testing.TB, clock *fakeClock) Registry {
	cfg := Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
	return NewRegistry(cfg, testLogger(tb), WithClock(clock.Now))
}

var errProvider = errors.New("provider exploded")

func fail(ctx context.Context) error    { return errProvider }
func succeed(ctx context.Context) error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := reg.Call(ctx, "openai", fail); !errors.Is(err, errProvider) {
			t.Fatalf("call %d: expected provider error, got %v", i, err)
		}
		clock.Advance(time.Second)
	}
	if got := reg.State("openai"); got != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", got)
	}

	// Open circuit fails fast without running the function.
	invoked := false
	err := reg.Call(ctx, "openai", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatalf("open circuit must not invoke the call")
	}

	// An unrelated provider is unaffected.
	if err := reg.Call(ctx, "anthropic", succeed); err != nil {
		t.Fatalf("independent circuit: %v", err)
	}
	if got := reg.State("anthropic"); got != StateClosed {
		t.Fatalf("expected anthropic CLOSED, got %s", got)
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(t, clock)
	ctx := context.Background()

	// Two failures, then enough quiet time to age them out.
	reg.Call(ctx, "openai", fail)
	reg.Call(ctx, "openai", fail)
	clock.Advance(2 * time.Minute)

	if err := reg.Call(ctx, "openai", fail); !errors.Is(err, errProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got := reg.State("openai"); got != StateClosed {
		t.Fatalf("stale failures must not count toward the threshold, got %s", got)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		reg.Call(ctx, "openai", fail)
	}
	if got := reg.State("openai"); got != StateOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}

	// Failed probe reopens with a fresh cooldown.
	clock.Advance(31 * time.Second)
	if err := reg.Call(ctx, "openai", fail); !errors.Is(err, errProvider) {
		t.Fatalf("probe should run the call, got %v", err)
	}
	if got := reg.State("openai"); got != StateOpen {
		t.Fatalf("failed probe should reopen, got %s", got)
	}
	if err := reg.Call(ctx, "openai", succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("cooldown restarted, expected ErrOpen, got %v", err)
	}

	// Successful probe closes.
	clock.Advance(31 * time.Second)
	if err := reg.Call(ctx, "openai", succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := reg.State("openai"); got != StateClosed {
		t.Fatalf("successful probe should close, got %s", got)
	}
	if err := reg.Call(ctx, "openai", succeed); err != nil {
		t.Fatalf("closed circuit: %v", err)
	}
}

func TestBreakerForceRecovery(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(t, clock)
	ctx := context.Background()

	if reg.ForceRecovery("openai") {
		t.Fatalf("ForceRecovery on unknown key should report false")
	}
	for i := 0; i < 3; i++ {
		reg.Call(ctx, "openai", fail)
	}
	if !reg.ForceRecovery("openai") {
		t.Fatalf("ForceRecovery should report true for a known circuit")
	}
	if got := reg.State("openai"); got != StateClosed {
		t.Fatalf("expected CLOSED after force recovery, got %s", got)
	}
	// Failure window was cleared, one new failure must not trip it.
	reg.Call(ctx, "openai", fail)
	if got := reg.State("openai"); got != StateClosed {
		t.Fatalf("expected CLOSED after single fresh failure, got %s", got)
	}
}

func TestBreakerTransitionHook(t *testing.T) {
	clock := newFakeClock()
	var events []string
	cfg := Config{FailureThreshold: 2, Window: time.Minute, Cooldown: 10 * time.Second}
	reg := NewRegistry(cfg, testLogger(t),
		WithClock(clock.Now),
		WithTransitionHook(func(key, state string) {
			events = append(events, key+":"+state)
		}))
	ctx := context.Background()

	reg.Call(ctx, "openai", fail)
	reg.Call(ctx, "openai", fail)
	clock.Advance(11 * time.Second)
	reg.Call(ctx, "openai", succeed)

	want := []string{"openai:OPEN", "openai:HALF_OPEN", "openai:CLOSED"}
	if len(events) != len(want) {
		t.Fatalf("events: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if cfg.FailureThreshold != 5 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}

	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Fatalf("expected defaults for missing file, got %+v", cfg)
	}

	path := filepath.Join(t.TempDir(), "breaker.yaml")
	raw := "failure_threshold: 2\nwindow: 45s\ncooldown: 90s\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.FailureThreshold != 2 || cfg.Window != 45*time.Second || cfg.Cooldown != 90*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Unset fields get defaults.
	if cfg.CallTimeout != 60*time.Second {
		t.Fatalf("expected default call timeout, got %v", cfg.CallTimeout)
	}
}
