package retrypolicy

import "testing"

func TestNext_Fixed(t *testing.T) {
	s := Strategy{Kind: KindFixed, DelayMs: 500, MaxAttempts: 3}
	for attempt := uint32(1); attempt <= 3; attempt++ {
		d := Next(attempt, s)
		if d.Terminal || d.DelayMs != 500 {
			t.Fatalf("attempt %d: got %+v, want delay 500", attempt, d)
		}
	}
	if d := Next(4, s); !d.Terminal {
		t.Fatalf("attempt 4: want terminal, got %+v", d)
	}
}

func TestNext_Linear(t *testing.T) {
	s := Strategy{Kind: KindLinear, BaseMs: 100, StepMs: 50, CapMs: 300, MaxAttempts: 10}
	want := []int64{100, 150, 200, 250, 300, 300}
	for i, w := range want {
		d := Next(uint32(i+1), s)
		if d.DelayMs != w {
			t.Errorf("attempt %d: got %d, want %d", i+1, d.DelayMs, w)
		}
	}
}

func TestNext_ExponentialBackoff(t *testing.T) {
	s := Strategy{Kind: KindExponential, BaseMs: 100, Multiplier: 2, MaxMs: 1000, MaxAttempts: 6}
	want := []int64{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		d := Next(uint32(i+1), s)
		if d.DelayMs != w {
			t.Errorf("attempt %d: got %d, want %d", i+1, d.DelayMs, w)
		}
	}
}

func TestNext_ExponentialBackoff_Terminal(t *testing.T) {
	s := Strategy{Kind: KindExponential, BaseMs: 100, Multiplier: 2, MaxMs: 1000, MaxAttempts: 3}
	if d := Next(4, s); !d.Terminal {
		t.Fatalf("attempt 4 with MaxAttempts=3: want terminal, got %+v", d)
	}
}

func TestNext_ExponentialBackoff_Jitter(t *testing.T) {
	s := Strategy{Kind: KindExponential, BaseMs: 1000, Multiplier: 2, MaxMs: 10_000, JitterFraction: 0.25, MaxAttempts: 5}
	for attempt := uint32(1); attempt <= 3; attempt++ {
		base := Next(attempt, Strategy{Kind: KindExponential, BaseMs: 1000, Multiplier: 2, MaxMs: 10_000, MaxAttempts: 5}).DelayMs
		d := Next(attempt, s)
		lo, hi := int64(float64(base)*0.75), int64(float64(base)*1.25)
		if d.DelayMs < lo-1 || d.DelayMs > hi+1 {
			t.Errorf("attempt %d: jittered delay %d outside [%d,%d]", attempt, d.DelayMs, lo, hi)
		}
	}
}

func TestNext_Custom(t *testing.T) {
	s := Strategy{Kind: KindCustom, Schedule: []int64{10, 20, 30}}
	want := []int64{10, 20, 30}
	for i, w := range want {
		d := Next(uint32(i+1), s)
		if d.Terminal || d.DelayMs != w {
			t.Errorf("attempt %d: got %+v, want delay %d", i+1, d, w)
		}
	}
	if d := Next(4, s); !d.Terminal {
		t.Fatalf("attempt 4 past schedule: want terminal, got %+v", d)
	}
}

func TestNext_MaxAttemptsZeroMeansUnbounded(t *testing.T) {
	s := Strategy{Kind: KindFixed, DelayMs: 10}
	if d := Next(1000, s); d.Terminal {
		t.Fatalf("MaxAttempts=0 should never terminate, got %+v", d)
	}
}
