// Package geo holds the angle and GPS time helpers used when tagging
// snapshots with the camera position.
package geo

import (
	"fmt"
	"math"
)

// Degrees converts radians to degrees.
func Degrees(radians float64) float64 {
	return radians * 180 / math.Pi
}

// Radians converts degrees to radians.
func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// FormatLatLon formats an angle the way XMP expects GPS coordinates:
// "<deg>,<min.mmmmmm><C>" with unsigned integer degrees and minutes carrying
// six decimals. pos is used for angles >= 0, neg otherwise.
//
// Minutes are rounded to the micro-minute before splitting so that an angle
// a hair below a whole degree prints as "30,0.000000" rather than
// "29,60.000000".
func FormatLatLon(radians float64, pos, neg byte) string {
	suffix := pos
	if radians < 0 {
		suffix = neg
	}
	deg := math.Abs(Degrees(radians))
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		deg = 0
	}

	const microPerDegree = 60 * 1_000_000
	total := int64(math.Round(deg * microPerDegree))
	whole := total / microPerDegree
	micro := total % microPerDegree

	return fmt.Sprintf("%d,%d.%06d%c", whole, micro/1_000_000, micro%1_000_000, suffix)
}

// FormatLatitude formats a latitude in radians with an N/S hemisphere suffix.
func FormatLatitude(radians float64) string {
	return FormatLatLon(radians, 'N', 'S')
}

// FormatLongitude formats a longitude in radians with an E/W hemisphere suffix.
func FormatLongitude(radians float64) string {
	return FormatLatLon(radians, 'E', 'W')
}
