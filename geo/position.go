package geo

import (
	"math"
)

// Position is a camera geoposition: latitude and longitude in radians (north
// and east positive), altitude in metres above the reference ellipsoid and
// the instant it was valid, in microseconds since the POSIX epoch.
type Position struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Alt    float64 `json:"alt"`
	TimeUs uint64  `json:"time_us"`
}

// InRange reports whether latitude is within [-pi/2, pi/2] and longitude
// within [-pi, pi].
func (p Position) InRange() bool {
	return math.Abs(p.Lat) <= math.Pi/2 && math.Abs(p.Lon) <= math.Pi
}

// Calendar reconstructs the UTC calendar time of the position.
func (p Position) Calendar(leapSeconds int) Calendar {
	return GpsCalendar(p.TimeUs, leapSeconds)
}
