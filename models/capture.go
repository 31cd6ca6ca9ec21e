package models

import (
	"time"
)

// Observation is one intercepted network response forwarded by the browser
// companion. The body is the raw JSON exactly as the host page received it;
// the pipeline never alters it.
type Observation struct {
	URL        string
	Body       []byte
	RecordedAt string // business-timezone encoding "YYYY-MM-DD:HH:mm:ss"
	ReceivedAt time.Time
}

// Record is one row worth of named columns destined for a store table.
type Record map[string]interface{}

// Extraction is the result of running a source's extractor against a
// response body. Exactly one of the three fields is populated.
type Extraction struct {
	Value   *float64
	Payload Record
	Items   []Record
}

// CaptureEvent is emitted by the capture agent for every matching response
// and consumed exactly once by the throttled sink.
type CaptureEvent struct {
	SourceID   string
	RecordedAt string // business-timezone encoding at the moment of extraction
	Value      *float64
	Payload    Record
	Items      []Record
}
