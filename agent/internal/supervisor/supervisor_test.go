package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fleetguard/agent/internal/config"
)

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)
	b.rand = fixedRand(0.5) // zero jitter offset

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("delay %d = %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffJitterStaysWithinBand(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		b := NewBackoff(time.Second, time.Minute)
		b.rand = fixedRand(r)
		d := b.Next()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("rand=%v: first delay %s outside the 20%% band", r, d)
		}
	}
}

func TestBackoffResetRestartsProgression(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.rand = fixedRand(0.5)

	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Fatalf("delay after reset = %s, want %s", got, time.Second)
	}
	if b.Attempt() != 1 {
		t.Fatalf("attempt after reset+next = %d, want 1", b.Attempt())
	}
}

func testConfig(mutate func(*config.Snapshot)) *config.Store {
	snap := config.Default()
	snap.ReconnectIntervalSeconds = 1
	if mutate != nil {
		mutate(snap)
	}
	return config.NewStore(snap)
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	s := New(testConfig(nil))
	s.bo = NewBackoff(time.Millisecond, 5*time.Millisecond)
	s.bo.rand = fixedRand(0.5)

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, func(ctx context.Context, ready func()) error {
			n := attempts.Add(1)
			if n < 3 {
				return errors.New("dial refused")
			}
			ready()
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
}

func TestRunMarksConnectedAndResetsBackoff(t *testing.T) {
	s := New(testConfig(nil))
	s.bo = NewBackoff(time.Millisecond, 5*time.Millisecond)
	s.bo.rand = fixedRand(0.5)

	connected := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, func(ctx context.Context, ready func()) error {
		ready()
		close(connected)
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("session never became ready")
	}

	deadline := time.After(time.Second)
	for s.Status().State != StateConnected {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", s.Status().State, StateConnected)
		case <-time.After(time.Millisecond):
		}
	}
	st := s.Status()
	if st.Attempt != 0 {
		t.Fatalf("attempt = %d, want 0 after connect", st.Attempt)
	}
	if st.ConnectedAt.IsZero() {
		t.Fatal("connectedAt not recorded")
	}
}

func TestRunSuspendsAfterMaxAttempts(t *testing.T) {
	s := New(testConfig(func(c *config.Snapshot) {
		c.MaxReconnectAttempts = 2
	}))
	s.bo = NewBackoff(time.Millisecond, 3*time.Millisecond)
	s.bo.rand = fixedRand(0.5)

	suspended := make(chan struct{})
	var once atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, func(ctx context.Context, ready func()) error {
		if s.Status().State == StateSuspended && once.CompareAndSwap(false, true) {
			close(suspended)
		}
		return errors.New("dial refused")
	})

	select {
	case <-suspended:
	case <-time.After(5 * time.Second):
		t.Fatalf("never suspended, state = %s", s.Status().State)
	}

	// Suspension still retries at the capped delay.
	st := s.Status()
	if st.Attempt < 2 {
		t.Fatalf("attempt = %d, want >= 2", st.Attempt)
	}
	if st.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestRunStopsOnCredentialInvalid(t *testing.T) {
	s := New(testConfig(nil))

	err := s.Run(context.Background(), func(ctx context.Context, ready func()) error {
		return ErrCredentialInvalid
	})
	if !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("run returned %v, want ErrCredentialInvalid", err)
	}
	if got := s.Status().State; got != StateEnrolling {
		t.Fatalf("state = %s, want %s", got, StateEnrolling)
	}
}
