package timing

import (
	"testing"
	"time"
)

func TestIndexToTimestampKnownRates(t *testing.T) {
	cases := []struct {
		name  string
		rate  Rational
		index uint64
		want  Timepoint
	}{
		{"23.976 fps grain 0", Rational{24000, 1001}, 0, 0},
		{"23.976 fps grain 1", Rational{24000, 1001}, 1, 41708333},
		{"23.976 fps grain 2", Rational{24000, 1001}, 2, 83416667},
		{"29.97 fps grain 1", Rational{30000, 1001}, 1, 33366667},
		{"29.97 fps grain 2", Rational{30000, 1001}, 2, 66733333},
		{"48 kHz sample 48000", Rational{48000, 1}, 48000, 1_000_000_000},
		{"50 fps grain 50", Rational{50, 1}, 50, 1_000_000_000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IndexToTimestamp(c.rate, c.index); got != c.want {
				t.Errorf("IndexToTimestamp = %d, want %d", got, c.want)
			}
		})
	}
}

func TestTimestampToIndexKnownRates(t *testing.T) {
	cases := []struct {
		name string
		rate Rational
		t    Timepoint
		want uint64
	}{
		{"23.976 fps at one frame", Rational{24000, 1001}, 41708333, 1},
		{"29.97 fps at one frame", Rational{30000, 1001}, 33366667, 1},
		{"29.97 fps just under half frame rounds down", Rational{30000, 1001}, 16683333 - 1, 0},
		{"29.97 fps above half frame rounds up", Rational{30000, 1001}, 16683334, 1},
		{"48 kHz at 1 s", Rational{48000, 1}, 1_000_000_000, 48000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := TimestampToIndex(c.rate, c.t); got != c.want {
				t.Errorf("TimestampToIndex = %d, want %d", got, c.want)
			}
		})
	}
}

func TestRoundTripWithinOnePeriod(t *testing.T) {
	rates := []Rational{
		{24000, 1001},
		{30000, 1001},
		{60000, 1001},
		{25, 1},
		{48000, 1},
	}
	// Values around "now" on the TAI clock and some edges.
	stamps := []Timepoint{0, 1, 999_999_999, 1_755_000_000_123_456_789, 41708333 * 7}
	for _, rate := range rates {
		period := GrainPeriodNs(rate)
		for _, ts := range stamps {
			idx := TimestampToIndex(rate, ts)
			back := IndexToTimestamp(rate, idx)
			diff := int64(back) - int64(ts)
			if diff < 0 {
				diff = -diff
			}
			if diff > period {
				t.Errorf("rate %d/%d ts %d: round trip drifted %dns (> period %dns)",
					rate.Numerator, rate.Denominator, ts, diff, period)
			}
		}
	}
}

func TestInvalidRates(t *testing.T) {
	if got := TimestampToIndex(Rational{0, 1}, 123); got != UndefinedIndex {
		t.Errorf("zero numerator should yield UndefinedIndex, got %d", got)
	}
	if got := TimestampToIndex(Rational{30000, 0}, 123); got != UndefinedIndex {
		t.Errorf("zero denominator should yield UndefinedIndex, got %d", got)
	}
	if got := IndexToTimestamp(Rational{0, 0}, 5); got != 0 {
		t.Errorf("invalid rate should yield zero timestamp, got %d", got)
	}
}

func TestGrainPeriod(t *testing.T) {
	if got := GrainPeriodNs(Rational{30000, 1001}); got != 33366666 {
		t.Errorf("29.97 period = %d, want 33366666", got)
	}
	if got := GrainPeriodNs(Rational{50, 1}); got != 20_000_000 {
		t.Errorf("50fps period = %d, want 20ms", got)
	}
}

func TestTAINowIsAheadOfWallClock(t *testing.T) {
	tai := TAINow()
	wall := Timepoint(time.Now().UnixNano())
	// TAI leads UTC by the accumulated leap seconds (37 s as of 2017),
	// whether native or emulated.
	lead := int64(tai - wall)
	if lead < 30*int64(time.Second) || lead > 60*int64(time.Second) {
		t.Errorf("TAI-UTC lead = %v, expected roughly 37s", time.Duration(lead))
	}
}

func TestTimepointTimeRoundTrip(t *testing.T) {
	now := TAINow()
	wall := now.Time()
	// Converting TAI to wall clock should land within a second of now.
	if d := time.Since(wall); d > time.Second || d < -time.Second {
		t.Errorf("Timepoint.Time() off by %v", d)
	}
}
