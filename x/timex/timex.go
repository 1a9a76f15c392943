package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// UnixSeconds converts t to a fractional Unix-epoch seconds value, the
// form the telemetry line's "timestamp" field carries.
func UnixSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// PeriodFromHz returns a nanosecond period for a requested frequency.
// freqHz==0 is coerced to 1 to avoid division by zero.
func PeriodFromHz(freqHz uint32) uint64 {
	if freqHz == 0 {
		freqHz = 1
	}
	return uint64(1_000_000_000 / uint64(freqHz))
}
