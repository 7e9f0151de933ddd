package timing

// Media timing for MXL flows.
//
// All media timestamps are TAI nanoseconds since the SMPTE ST 2059 epoch.
// Edit rates are kept as exact rationals so NTSC rates (24000/1001,
// 30000/1001, 60000/1001) never accumulate rounding error. Index and
// timestamp conversions go through 128-bit intermediates because
// timestamp × numerator overflows 64 bits for any realistic clock value.

import (
	"math/bits"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Timepoint is a point in time in nanoseconds since a clock's epoch.
// For the TAI clock the epoch is the SMPTE ST 2059 epoch.
type Timepoint int64

// Rational is an exact edit rate: frames (or samples) per second.
// The struct layout is part of the flow header ABI; both fields are
// little-endian int64 on disk.
type Rational struct {
	Numerator   int64
	Denominator int64
}

// UndefinedIndex marks an index that could not be computed.
const UndefinedIndex = ^uint64(0)

// Valid reports whether the rational can be used for conversions.
func (r Rational) Valid() bool { return r.Numerator != 0 && r.Denominator != 0 }

const nsPerSecond = 1_000_000_000

// taiFallbackOffsetNs is applied when the kernel has no TAI offset
// configured. 37 s is the TAI-UTC delta as of the 2017 leap second. This is
// an approximation: it is consistent across hosts that apply the same
// constant, but wrong for historical timestamps recorded before that leap
// second and will drift if another leap second is ever inserted.
const taiFallbackOffsetNs = 37 * nsPerSecond

var (
	taiProbeOnce sync.Once
	taiEmulated  bool
)

// taiIsEmulated probes whether CLOCK_TAI carries a real kernel offset.
// When the offset was never set (tai == realtime), the fallback constant is
// applied instead.
func taiIsEmulated() bool {
	taiProbeOnce.Do(func() {
		var tai, rt unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_TAI, &tai); err != nil {
			taiEmulated = true
			return
		}
		if err := unix.ClockGettime(unix.CLOCK_REALTIME, &rt); err != nil {
			taiEmulated = true
			return
		}
		delta := tai.Nano() - rt.Nano()
		if delta < 0 {
			delta = -delta
		}
		taiEmulated = delta < nsPerSecond
	})
	return taiEmulated
}

// TAINow returns the current TAI time. On systems where the kernel TAI
// offset is unset the value is emulated as wall-clock plus 37 seconds; see
// taiFallbackOffsetNs for the caveats.
func TAINow() Timepoint {
	if !taiIsEmulated() {
		var ts unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_TAI, &ts); err == nil {
			return Timepoint(ts.Nano())
		}
	}
	return Timepoint(time.Now().UnixNano() + taiFallbackOffsetNs)
}

// Time converts an absolute deadline in TAI to the wall-clock time.Time
// used by the futex layer (CLOCK_REALTIME).
func (t Timepoint) Time() time.Time {
	offset := int64(taiFallbackOffsetNs)
	if !taiIsEmulated() {
		var tai, rt unix.Timespec
		if unix.ClockGettime(unix.CLOCK_TAI, &tai) == nil && unix.ClockGettime(unix.CLOCK_REALTIME, &rt) == nil {
			offset = tai.Nano() - rt.Nano()
		}
	}
	return time.Unix(0, int64(t)-offset)
}

// GrainPeriodNs returns the duration of one grain in nanoseconds.
func GrainPeriodNs(rate Rational) int64 {
	if !rate.Valid() {
		return 0
	}
	return rate.Denominator * nsPerSecond / rate.Numerator
}

// TimestampToIndex converts a TAI timestamp to the grain (or sample) index
// at the given edit rate: round(t × num / (den × 1e9)), computed with a
// 128-bit intermediate.
func TimestampToIndex(rate Rational, t Timepoint) uint64 {
	if !rate.Valid() || t < 0 {
		return UndefinedIndex
	}
	num := uint64(rate.Numerator)
	den := uint64(rate.Denominator)

	hi, lo := bits.Mul64(uint64(t), num)
	// Round to nearest: add den × 5e8 before dividing by den × 1e9.
	round := den * (nsPerSecond / 2)
	lo, carry := bits.Add64(lo, round, 0)
	hi += carry

	div := den * nsPerSecond
	if hi >= div {
		return UndefinedIndex
	}
	q, _ := bits.Div64(hi, lo, div)
	return q
}

// IndexToTimestamp converts a grain (or sample) index to its TAI timestamp
// at the given edit rate: round(i × den × 1e9 / num), computed with a
// 128-bit intermediate.
func IndexToTimestamp(rate Rational, index uint64) Timepoint {
	if !rate.Valid() {
		return 0
	}
	num := uint64(rate.Numerator)
	den := uint64(rate.Denominator)

	hi, lo := bits.Mul64(index, den*nsPerSecond)
	lo, carry := bits.Add64(lo, num/2, 0)
	hi += carry

	if hi >= num {
		// Result does not fit; saturate rather than fault.
		return Timepoint(^uint64(0) >> 1)
	}
	q, _ := bits.Div64(hi, lo, num)
	return Timepoint(q)
}
