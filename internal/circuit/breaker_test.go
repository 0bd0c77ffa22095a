package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/tiercache/pkg/errors"
)

var errBoom = stderrors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker("example.com", Config{})

	if b.Name() != "example.com" {
		t.Errorf("name = %q", b.Name())
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want CLOSED", b.State())
	}
	if b.config.FailureThreshold != 5 || b.config.MaxRequests != 1 || b.config.Timeout != 60*time.Second {
		t.Errorf("unexpected defaults: %+v", b.config)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("host", Config{FailureThreshold: 3, Timeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, fail)
	}
	_ = b.Execute(ctx, succeed)
	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, fail)
	}
	if b.State() != StateClosed {
		t.Fatalf("a success should reset the consecutive count, state = %v", b.State())
	}

	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker must not invoke fn")
	}
	if !errors.HasCode(err, errors.ErrCodeCircuitOpen) {
		t.Errorf("expected CIRCUIT_OPEN, got %v", err)
	}
	if errors.IsRetryable(err) {
		t.Error("CIRCUIT_OPEN must not be retryable")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	var transitions []string
	b := NewBreaker("host", Config{
		FailureThreshold: 1,
		Timeout:          20 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	time.Sleep(30 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", b.State())
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", b.State())
	}

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("host", Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	time.Sleep(20 * time.Millisecond)
	_ = b.Execute(ctx, fail)

	if b.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", b.State())
	}
}

func TestBreaker_IsFailure(t *testing.T) {
	b := NewBreaker("host", Config{
		FailureThreshold: 1,
		IsFailure: func(err error) bool {
			return errors.HasCode(err, errors.ErrCodeNetworkError)
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error {
		return errors.NewError(errors.ErrCodeInvalidArgument, "404")
	})
	if b.State() != StateClosed {
		t.Fatalf("non-failures must not trip the breaker")
	}

	_ = b.Execute(ctx, func(context.Context) error {
		return errors.NewError(errors.ErrCodeNetworkError, "reset")
	})
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("Reset should close the breaker")
	}
}

func TestSet(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1})

	var wg sync.WaitGroup
	breakers := make([]*Breaker, 10)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = s.Get("a.example")
		}(i)
	}
	wg.Wait()

	for _, b := range breakers[1:] {
		if b != breakers[0] {
			t.Fatal("Get must return the same breaker for a name")
		}
	}

	_ = s.Get("b.example").Execute(context.Background(), fail)

	stats := s.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats has %d entries, want 2", len(stats))
	}
	if stats["b.example"].State != StateOpen {
		t.Errorf("b.example state = %v, want OPEN", stats["b.example"].State)
	}

	s.ResetAll()
	if s.Get("b.example").State() != StateClosed {
		t.Error("ResetAll should close every breaker")
	}
}
