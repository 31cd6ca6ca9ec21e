package models

// RawRow is one persisted store row reduced to the parts canonicalization
// needs: the original timestamp string plus its numeric and textual columns.
// The same bucket may be covered by several rows; the canonicalizer resolves
// duplicates by latest-timestamp-wins.
type RawRow struct {
	SourceID   string
	RecordedAt string
	Columns    map[string]float64
	Labels     map[string]string
}

// CanonicalSeries is one metric's values across the fixed buckets of a
// business day. Grid length is always the bucket count of the grid it was
// built for (16 hourly, 46 fine); empty buckets are nil, never omitted.
type CanonicalSeries struct {
	Category    string
	SubCategory string
	IsRate      bool
	Grid        []*float64
}

// MetricKey returns the stable "<category>-<subCategory>" key used by chart
// consumers and annotation records.
func (s CanonicalSeries) MetricKey() string {
	return s.Category + "-" + s.SubCategory
}

// DaySeries groups all canonical series of one calendar date together with
// bucket-keyed annotations. Annotation keys are bucket labels ("09:00").
type DaySeries struct {
	Date        string
	Series      []CanonicalSeries
	Annotations map[string][]string
}

// MergedChart overlays one metric's grids across several dates on a shared
// bucket axis.
type MergedChart struct {
	Category    string
	SubCategory string
	IsRate      bool
	Dates       []string
	ByDate      map[string][]*float64
}

// TrendPoint is one date's scalar summary of a metric.
type TrendPoint struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// TrendSeries carries one scalar per date across a requested date range.
type TrendSeries struct {
	Category    string
	SubCategory string
	IsRate      bool
	Points      []TrendPoint
}

// Float returns a pointer to v, for building grids and trend points.
func Float(v float64) *float64 { return &v }
