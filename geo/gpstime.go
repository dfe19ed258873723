package geo

import (
	"fmt"
	"time"
)

// LeapSeconds is the GPS-UTC offset in effect since 2017-01-01. It is not
// negotiated with the source; config may override it.
const LeapSeconds = 18

const (
	// GpsEpochUnixMs is 1980-01-06T00:00:00Z in milliseconds since the POSIX epoch.
	GpsEpochUnixMs int64 = 315964800000
	// MsPerWeek is the length of a GPS week in milliseconds.
	MsPerWeek int64 = 604800000
)

// MinPlausibleYear is the last year treated as "uninitialised" GPS time.
// Reconstructed times must be strictly later to be trusted.
const MinPlausibleYear = 2012

// Calendar is a UTC calendar date and time reconstructed from GPS time.
type Calendar struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

// String formats the calendar the way exif:GPSTimeStamp expects,
// "YYYY:MM:DD hh:mm:ss".
func (c Calendar) String() string {
	return fmt.Sprintf("%d:%02d:%02d %02d:%02d:%02d", c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second)
}

// Plausible reports whether the year is past MinPlausibleYear.
func (c Calendar) Plausible() bool {
	return c.Year > MinPlausibleYear
}

// UnixToGps converts microseconds since the POSIX epoch to GPS week and
// time-of-week in milliseconds. ok is false for instants before the GPS epoch.
func UnixToGps(unixUs uint64, leapSeconds int) (week uint32, itowMs uint32, ok bool) {
	gpsMs := int64(unixUs/1000) + int64(leapSeconds)*1000 - GpsEpochUnixMs
	if gpsMs < 0 {
		return 0, 0, false
	}
	return uint32(gpsMs / MsPerWeek), uint32(gpsMs % MsPerWeek), true
}

// GpsToCalendar expands a GPS week and time-of-week into a UTC calendar,
// removing leapSeconds. Sub-second precision is truncated.
func GpsToCalendar(week uint32, itowMs uint32, leapSeconds int) Calendar {
	gpsMs := int64(week)*MsPerWeek + int64(itowMs)
	utcMs := GpsEpochUnixMs + gpsMs - int64(leapSeconds)*1000
	t := time.UnixMilli(utcMs).UTC()
	return Calendar{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// GpsCalendar reconstructs the UTC calendar time of a POSIX microsecond
// timestamp by way of GPS week/ITOW. Instants before the GPS epoch yield the
// zero Calendar, which is never Plausible.
func GpsCalendar(unixUs uint64, leapSeconds int) Calendar {
	week, itow, ok := UnixToGps(unixUs, leapSeconds)
	if !ok {
		return Calendar{}
	}
	return GpsToCalendar(week, itow, leapSeconds)
}

// CalendarToGps is the inverse of GpsToCalendar.
func CalendarToGps(c Calendar, leapSeconds int) (week uint32, itowMs uint32) {
	t := time.Date(c.Year, time.Month(c.Month), c.Day, c.Hour, c.Minute, c.Second, 0, time.UTC)
	gpsMs := t.UnixMilli() - GpsEpochUnixMs + int64(leapSeconds)*1000
	return uint32(gpsMs / MsPerWeek), uint32(gpsMs % MsPerWeek)
}

// GpsToUnix converts a GPS week and time-of-week back to microseconds since
// the POSIX epoch.
func GpsToUnix(week uint32, itowMs uint32, leapSeconds int) uint64 {
	gpsMs := int64(week)*MsPerWeek + int64(itowMs)
	return uint64(gpsMs+GpsEpochUnixMs-int64(leapSeconds)*1000) * 1000
}
