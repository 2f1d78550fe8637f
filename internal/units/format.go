package units

import (
	"fmt"
	"time"
)

const metersPerMile = 1609.344

// FormatDuration renders a duration as hours/minutes/seconds with tenths,
// dropping leading zero components: 1h02m03.4s, 4m07.0s, 31.2s.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := float64(d%time.Minute) / float64(time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%04.1fs", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%04.1fs", m, s)
	default:
		return fmt.Sprintf("%.1fs", s)
	}
}

// SpeedMPS is the average speed over a course in meters per second, zero
// when the distance or duration is unknown.
func SpeedMPS(distanceMeters float64, total time.Duration) float64 {
	if distanceMeters <= 0 || total <= 0 {
		return 0
	}
	return distanceMeters / total.Seconds()
}

// PaceMinPerKm formats minutes per kilometer, e.g. "4:41". Empty when the
// distance or duration is unknown.
func PaceMinPerKm(distanceMeters float64, total time.Duration) string {
	return pace(distanceMeters, total, 1000)
}

// PaceMinPerMile formats minutes per mile. Empty when the distance or
// duration is unknown.
func PaceMinPerMile(distanceMeters float64, total time.Duration) string {
	return pace(distanceMeters, total, metersPerMile)
}

func pace(distanceMeters float64, total time.Duration, unitMeters float64) string {
	if distanceMeters <= 0 || total <= 0 {
		return ""
	}
	secPerUnit := total.Seconds() / (distanceMeters / unitMeters)
	rounded := int(secPerUnit + 0.5)
	return fmt.Sprintf("%d:%02d", rounded/60, rounded%60)
}
