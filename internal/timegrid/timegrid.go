// Package timegrid defines the business-day time axis shared by the capture
// sink and the canonicalizer: a single fixed business timezone, the custom
// zero-padded timestamp encoding, and the mapping from timestamps onto the
// fixed hourly and fine-grained bucket grids.
package timegrid

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// BusinessStartHour is the first clock hour of the tracked business day.
// The day runs 09:00 through 24:00 in the business timezone.
const BusinessStartHour = 9

// businessMinutes is the length of the tracked day in minutes.
const businessMinutes = (24 - BusinessStartHour) * 60

// DefaultUTCOffsetHours is the business timezone of the observed deployment.
const DefaultUTCOffsetHours = 8

var zoneOffsetHours int64 = DefaultUTCOffsetHours

// SetUTCOffset reconfigures the business timezone. Intended to be called once
// at startup from configuration before any captures are timestamped.
func SetUTCOffset(hours int) {
	atomic.StoreInt64(&zoneOffsetHours, int64(hours))
}

// Zone returns the fixed business timezone.
func Zone() *time.Location {
	h := int(atomic.LoadInt64(&zoneOffsetHours))
	return time.FixedZone(fmt.Sprintf("UTC%+d", h), h*3600)
}

// Grid selects one of the two canonical bucket resolutions.
type Grid int

const (
	// Hourly is the 16-point grid covering hours 9..24.
	Hourly Grid = 60
	// Fine is the 46-point grid of 20-minute slots covering 09:00..24:00.
	Fine Grid = 20
)

// Minutes returns the bucket width.
func (g Grid) Minutes() int { return int(g) }

// BucketCount returns the fixed grid length: 16 for Hourly, 46 for Fine.
// The extra final bucket is the 24:00 point that post-midnight readings fold
// onto.
func (g Grid) BucketCount() int { return businessMinutes/int(g) + 1 }

// BucketLabel returns the clock label of bucket i, "09:00" .. "24:00".
func (g Grid) BucketLabel(i int) string {
	minutes := i * int(g)
	return fmt.Sprintf("%02d:%02d", BusinessStartHour+minutes/60, minutes%60)
}

// Labels returns all bucket labels of the grid in order.
func (g Grid) Labels() []string {
	out := make([]string, g.BucketCount())
	for i := range out {
		out[i] = g.BucketLabel(i)
	}
	return out
}

// Stamp is a timestamp reduced to the business timezone. Raw preserves the
// original encoded string; both supported encodings are zero-padded, so Raw
// comparison by plain string order is the latest-wins tiebreaker.
type Stamp struct {
	Date   string // YYYY-MM-DD
	Hour   int
	Minute int
	Raw    string
}

// Now returns the current time in the custom business-timezone encoding.
func Now() string { return FormatCustom(time.Now()) }

// FormatCustom renders t in the business timezone as "YYYY-MM-DD:HH:mm:ss".
func FormatCustom(t time.Time) string {
	b := t.In(Zone())
	return fmt.Sprintf("%04d-%02d-%02d:%02d:%02d:%02d",
		b.Year(), int(b.Month()), b.Day(), b.Hour(), b.Minute(), b.Second())
}

// CustomToISO converts the custom encoding to ISO-8601 with the business
// offset, suitable for a timestamptz column. Inputs already in another shape
// are returned unchanged.
func CustomToISO(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 19 && s[10] == ':' {
		h := int(atomic.LoadInt64(&zoneOffsetHours))
		return fmt.Sprintf("%sT%s%+03d:00", s[:10], s[11:19], h)
	}
	return s
}

// isISO reports whether s looks like an ISO-8601 timestamp rather than the
// custom encoding.
func isISO(s string) bool {
	if len(s) < 16 {
		return false
	}
	return strings.ContainsRune(s, 'T') &&
		(strings.ContainsRune(s, 'Z') || strings.ContainsRune(s[10:], '+') || strings.Count(s[11:], "-") > 0)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseStamp parses either supported encoding into a business-timezone Stamp.
// ISO inputs (any offset or UTC) are converted to the business timezone first;
// a bare ISO stamp without offset is taken as already local. Unparseable
// input yields ok=false and the row is dropped by callers.
func ParseStamp(s string) (Stamp, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 16 {
		return Stamp{}, false
	}
	if isISO(s) {
		for _, layout := range isoLayouts {
			t, err := time.ParseInLocation(layout, s, Zone())
			if err != nil {
				continue
			}
			b := t.In(Zone())
			return Stamp{
				Date:   b.Format("2006-01-02"),
				Hour:   b.Hour(),
				Minute: b.Minute(),
				Raw:    s,
			}, true
		}
		return Stamp{}, false
	}

	date := s[:10]
	if !validDate(date) {
		return Stamp{}, false
	}
	sep := s[10]
	if sep != ':' && sep != 'T' && sep != ' ' {
		return Stamp{}, false
	}
	var hour, minute int
	if _, err := fmt.Sscanf(s[11:16], "%02d:%02d", &hour, &minute); err != nil {
		return Stamp{}, false
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Stamp{}, false
	}
	return Stamp{Date: date, Hour: hour, Minute: minute, Raw: s}, true
}

func validDate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, c := range s {
		if i == 4 || i == 7 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Bucket maps a Stamp onto (date, bucketIndex) for the grid. Readings before
// the business start (post-midnight residuals included) fold onto the
// previous calendar date's final bucket; everything else lands in
// floor(minutesSinceBusinessStart / width), clamped to the final bucket.
func (g Grid) Bucket(st Stamp) (date string, index int, ok bool) {
	if st.Hour < BusinessStartHour {
		prev, err := previousDate(st.Date)
		if err != nil {
			return "", 0, false
		}
		return prev, g.BucketCount() - 1, true
	}
	minutes := (st.Hour-BusinessStartHour)*60 + st.Minute
	if minutes > businessMinutes {
		return "", 0, false
	}
	index = minutes / int(g)
	if index > g.BucketCount()-1 {
		index = g.BucketCount() - 1
	}
	return st.Date, index, true
}

func previousDate(date string) (string, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, -1).Format("2006-01-02"), nil
}

// SlotKey computes the throttle slot of a custom-encoded timestamp:
// "YYYY-MM-DD:HH:<flooredMinute>". Returns "" for input it cannot read, which
// callers treat as "do not persist".
func SlotKey(recordedAt string, throttleMinutes int) string {
	s := strings.TrimSpace(recordedAt)
	if len(s) < 19 || s[10] != ':' || throttleMinutes <= 0 {
		return ""
	}
	var minute int
	if _, err := fmt.Sscanf(s[14:16], "%02d", &minute); err != nil {
		return ""
	}
	slot := (minute / throttleMinutes) * throttleMinutes
	return fmt.Sprintf("%s:%s:%02d", s[:10], s[11:13], slot)
}
