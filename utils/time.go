package utils

import "time"

// HoursSince returns the age of t at instant now in fractional hours,
// clamped at zero so clock skew never produces negative ages.
func HoursSince(t, now time.Time) float64 {

	h := now.Sub(t).Hours()
	if h < 0 {
		return 0
	}

	return h
}
