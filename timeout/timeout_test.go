package timeout

import (
	"testing"
	"time"
)

func TestDefaultsFillZeroConfig(t *testing.T) {
	p := NewPolicy(Config{})
	tests := []struct {
		op   Operation
		want time.Duration
	}{
		{OpConnect, DefaultConnect},
		{OpEnterRaw, DefaultEnterRaw},
		{OpChunkAck, DefaultChunkAck},
		{OpExecute, DefaultExecute},
		{OpDataTransfer, DefaultDataTransferBase},
	}
	for _, tt := range tests {
		if got := p.For(tt.op, 0); got != tt.want {
			t.Errorf("For(%s) = %s, want %s", tt.op, got, tt.want)
		}
	}
}

func TestForNeverReturnsZero(t *testing.T) {
	// The policy contract: every path yields a concrete positive
	// duration, even for unknown operations and under the adaptive
	// strategy with no history.
	policies := []*Policy{
		NewPolicy(Config{}),
		NewPolicy(Config{Adaptive: true}),
	}
	ops := []Operation{OpConnect, OpEnterRaw, OpChunkAck, OpExecute, OpDataTransfer, Operation(99)}
	for _, p := range policies {
		for _, op := range ops {
			if got := p.For(op, 0); got <= 0 {
				t.Errorf("For(%s) = %s, must be positive", op, got)
			}
		}
	}
}

func TestDataTransferScalesWithSize(t *testing.T) {
	p := NewPolicy(Config{})
	small := p.For(OpDataTransfer, 100)
	large := p.For(OpDataTransfer, 100_000)
	if large <= small {
		t.Fatalf("data-transfer timeout must grow with payload: %s vs %s", small, large)
	}
	want := DefaultDataTransferBase + time.Duration((100_000+1023)/1024)*perKilobyte
	if large != want {
		t.Fatalf("For(100000) = %s, want %s", large, want)
	}
}

func TestAdaptiveFallsBackWithoutHistory(t *testing.T) {
	p := NewPolicy(Config{Adaptive: true})
	// Fewer observations than the minimum: fixed table applies.
	for i := 0; i < adaptiveMinSamples-1; i++ {
		p.Observe(OpExecute, 10*time.Millisecond)
	}
	if got := p.For(OpExecute, 0); got != DefaultExecute {
		t.Fatalf("For = %s before enough history, want fixed %s", got, DefaultExecute)
	}
}

func TestAdaptiveTightensAfterHistory(t *testing.T) {
	p := NewPolicy(Config{Adaptive: true})
	for i := 0; i < adaptiveMinSamples*2; i++ {
		p.Observe(OpExecute, 10*time.Millisecond)
	}
	got := p.For(OpExecute, 0)
	if got <= 0 {
		t.Fatal("adaptive timeout must be positive")
	}
	if got >= DefaultExecute {
		t.Fatalf("adaptive timeout %s did not tighten below fixed %s", got, DefaultExecute)
	}
	if got < 10*time.Millisecond {
		t.Fatalf("adaptive timeout %s below the observed average", got)
	}
}

func TestAdaptiveNeverExceedsFixed(t *testing.T) {
	p := NewPolicy(Config{Execute: 50 * time.Millisecond, Adaptive: true})
	for i := 0; i < adaptiveMinSamples*2; i++ {
		p.Observe(OpExecute, time.Second)
	}
	if got := p.For(OpExecute, 0); got > 50*time.Millisecond {
		t.Fatalf("adaptive %s exceeded fixed budget", got)
	}
}

func TestFixedStrategyIgnoresObservations(t *testing.T) {
	p := NewPolicy(Config{})
	for i := 0; i < 100; i++ {
		p.Observe(OpExecute, time.Nanosecond)
	}
	if got := p.For(OpExecute, 0); got != DefaultExecute {
		t.Fatalf("fixed strategy moved: %s", got)
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Op: OpExecute, Limit: 30 * time.Second}
	want := "operation execute timed out after 30s"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
