// Package appletime converts between Apple Core Data timestamps and time.Time.
//
// Apple Messages stores message.date as an offset from the Core Data epoch
// (2001-01-01T00:00:00Z). Databases written by older macOS releases use whole
// seconds; modern ones use nanoseconds. The schema carries no unit flag, so
// the unit is inferred from magnitude: any offset beyond 10^12 would be more
// than thirty thousand years away if it were seconds, so it is read as
// nanoseconds.
package appletime

import "time"

// EpochOffset is the number of seconds between the Unix epoch (1970-01-01)
// and the Core Data epoch (2001-01-01).
const EpochOffset int64 = 978307200

// unitThreshold separates second-encoded from nanosecond-encoded raw values.
// Values with an absolute value of exactly unitThreshold are read as seconds.
const unitThreshold int64 = 1_000_000_000_000

// ToTime converts a raw Core Data timestamp to a UTC time.Time.
func ToTime(raw int64) time.Time {
	sec := raw
	var nsec int64
	if raw > unitThreshold || raw < -unitThreshold {
		sec = raw / 1_000_000_000
		nsec = raw % 1_000_000_000
	}
	return time.Unix(sec+EpochOffset, nsec).UTC()
}

// FromTime converts a time.Time back to a raw Core Data timestamp, always in
// the nanosecond encoding. ToTime and FromTime round-trip exactly for any
// nanosecond-domain raw value; second-domain values round-trip to the same
// instant but re-encode as nanoseconds.
func FromTime(t time.Time) int64 {
	return t.UnixNano() - EpochOffset*1_000_000_000
}
