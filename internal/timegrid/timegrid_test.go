package timegrid

import (
	"testing"
)

func TestBucketCounts(t *testing.T) {
	if got := Hourly.BucketCount(); got != 16 {
		t.Errorf("hourly bucket count = %d, want 16", got)
	}
	if got := Fine.BucketCount(); got != 46 {
		t.Errorf("fine bucket count = %d, want 46", got)
	}
}

func TestBucketLabels(t *testing.T) {
	hourly := Hourly.Labels()
	if hourly[0] != "09:00" || hourly[len(hourly)-1] != "24:00" {
		t.Errorf("hourly label range = %s..%s", hourly[0], hourly[len(hourly)-1])
	}
	fine := Fine.Labels()
	if fine[0] != "09:00" || fine[1] != "09:20" || fine[len(fine)-1] != "24:00" {
		t.Errorf("fine labels = %s, %s .. %s", fine[0], fine[1], fine[len(fine)-1])
	}
}

func TestParseStamp(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		date   string
		hour   int
		minute int
		ok     bool
	}{
		{"custom", "2024-05-01:14:23:07", "2024-05-01", 14, 23, true},
		{"custom space", "2024-05-01 14:23:07", "2024-05-01", 14, 23, true},
		{"iso local offset", "2024-05-01T14:23:07+08:00", "2024-05-01", 14, 23, true},
		{"iso utc", "2024-05-01T01:23:07Z", "2024-05-01", 9, 23, true},
		{"iso bare", "2024-05-01T14:23:07", "2024-05-01", 14, 23, true},
		{"garbage", "not a timestamp", "", 0, 0, false},
		{"short", "2024-05-01", "", 0, 0, false},
		{"bad hour", "2024-05-01:99:23:07", "", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := ParseStamp(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if st.Date != tt.date || st.Hour != tt.hour || st.Minute != tt.minute {
				t.Errorf("got %s %02d:%02d, want %s %02d:%02d",
					st.Date, st.Hour, st.Minute, tt.date, tt.hour, tt.minute)
			}
		})
	}
}

func TestBucket(t *testing.T) {
	tests := []struct {
		name  string
		grid  Grid
		stamp string
		date  string
		index int
	}{
		{"fine opening", Fine, "2024-05-01:09:05:00", "2024-05-01", 0},
		{"fine second slot", Fine, "2024-05-01:09:20:00", "2024-05-01", 1},
		{"fine late", Fine, "2024-05-01:23:59:00", "2024-05-01", 44},
		{"fine cross midnight", Fine, "2024-05-02:00:10:00", "2024-05-01", 45},
		{"hourly opening", Hourly, "2024-05-01:09:18:00", "2024-05-01", 0},
		{"hourly midday", Hourly, "2024-05-01:14:00:00", "2024-05-01", 5},
		{"hourly cross midnight", Hourly, "2024-05-02:00:40:00", "2024-05-01", 15},
		{"pre business hour", Hourly, "2024-05-02:03:00:00", "2024-05-01", 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := ParseStamp(tt.stamp)
			if !ok {
				t.Fatalf("ParseStamp rejected %q", tt.stamp)
			}
			date, index, ok := tt.grid.Bucket(st)
			if !ok {
				t.Fatalf("Bucket rejected %q", tt.stamp)
			}
			if date != tt.date || index != tt.index {
				t.Errorf("got (%s, %d), want (%s, %d)", date, index, tt.date, tt.index)
			}
		})
	}
}

func TestCustomToISO(t *testing.T) {
	got := CustomToISO("2024-05-01:14:23:07")
	want := "2024-05-01T14:23:07+08:00"
	if got != want {
		t.Errorf("CustomToISO = %q, want %q", got, want)
	}
	iso := "2024-05-01T14:23:07Z"
	if got := CustomToISO(iso); got != iso {
		t.Errorf("ISO input changed: %q", got)
	}
}

func TestSlotKey(t *testing.T) {
	tests := []struct {
		recordedAt string
		minutes    int
		want       string
	}{
		{"2024-05-01:14:23:07", 20, "2024-05-01:14:20"},
		{"2024-05-01:14:23:07", 10, "2024-05-01:14:20"},
		{"2024-05-01:14:23:07", 30, "2024-05-01:14:00"},
		{"2024-05-01:14:23:07", 60, "2024-05-01:14:00"},
		{"2024-05-01:14:59:59", 20, "2024-05-01:14:40"},
		{"bad", 20, ""},
		{"2024-05-01:14:23:07", 0, ""},
	}
	for _, tt := range tests {
		if got := SlotKey(tt.recordedAt, tt.minutes); got != tt.want {
			t.Errorf("SlotKey(%q, %d) = %q, want %q", tt.recordedAt, tt.minutes, got, tt.want)
		}
	}
}
