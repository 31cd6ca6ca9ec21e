// Package chart assembles canonical day series into what the rendering
// consumers ask for: multi-day overlays of one metric, per-date trend
// scalars, the ordered metric template, and cross-source day merges.
package chart

import (
	"sort"

	"shopflow/models"
)

// MetricRef identifies one chartable metric.
type MetricRef struct {
	Category    string `json:"category"`
	SubCategory string `json:"subCategory"`
	IsRate      bool   `json:"isRate"`
}

// Key returns the stable "<category>-<subCategory>" metric key.
func (m MetricRef) Key() string {
	return m.Category + "-" + m.SubCategory
}

// MergeDays combines several same-date day series into one: series
// concatenate in argument order and annotations union bucket-wise. Merging
// is associative, so folding sources pairwise in any grouping yields the
// same chart.
func MergeDays(days ...models.DaySeries) models.DaySeries {
	merged := models.DaySeries{
		Annotations: make(map[string][]string),
	}
	for _, day := range days {
		if merged.Date == "" {
			merged.Date = day.Date
		}
		merged.Series = append(merged.Series, day.Series...)
		for bucket, notes := range day.Annotations {
			merged.Annotations[bucket] = append(merged.Annotations[bucket], notes...)
		}
	}
	return merged
}

// Template lists every metric appearing across the given days, in
// first-seen order. The full set is always returned; any display cap is the
// caller's concern.
func Template(days []models.DaySeries) []MetricRef {
	seen := make(map[string]struct{})
	var out []MetricRef
	for _, day := range days {
		for _, s := range day.Series {
			ref := MetricRef{Category: s.Category, SubCategory: s.SubCategory, IsRate: s.IsRate}
			if _, ok := seen[ref.Key()]; ok {
				continue
			}
			seen[ref.Key()] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}

// CapTemplate truncates a template for display. Zero or negative max means
// no cap.
func CapTemplate(refs []MetricRef, max int) []MetricRef {
	if max <= 0 || len(refs) <= max {
		return refs
	}
	return refs[:max]
}

// Overlay collects one metric's grids for the requested dates onto a shared
// bucket axis. Requested dates the metric has no data for still appear, with
// an all-null grid of the same length; ok is false when no day carries the
// metric at all.
func Overlay(days []models.DaySeries, category, subCategory string, dates []string) (models.MergedChart, bool) {
	chart := models.MergedChart{
		Category:    category,
		SubCategory: subCategory,
		ByDate:      make(map[string][]*float64),
	}

	found := false
	bucketCount := 0
	grids := make(map[string][]*float64)
	for _, day := range days {
		for _, s := range day.Series {
			if s.Category != category || s.SubCategory != subCategory {
				continue
			}
			if !found {
				chart.IsRate = s.IsRate
				found = true
			}
			bucketCount = len(s.Grid)
			grids[day.Date] = s.Grid
			break
		}
	}
	if !found {
		return models.MergedChart{}, false
	}

	chart.Dates = append(chart.Dates, dates...)
	sort.Strings(chart.Dates)
	for _, date := range chart.Dates {
		if g, ok := grids[date]; ok {
			chart.ByDate[date] = g
		} else {
			chart.ByDate[date] = make([]*float64, bucketCount)
		}
	}
	return chart, true
}

// Trend reduces one metric to a scalar per requested date: the final bucket
// when it holds a value, otherwise the mean of the populated buckets,
// otherwise null. Dates absent from days yield null points.
func Trend(days []models.DaySeries, category, subCategory string, dates []string) models.TrendSeries {
	trend := models.TrendSeries{
		Category:    category,
		SubCategory: subCategory,
	}

	byDate := make(map[string][]*float64)
	for _, day := range days {
		for _, s := range day.Series {
			if s.Category == category && s.SubCategory == subCategory {
				trend.IsRate = s.IsRate
				byDate[day.Date] = s.Grid
				break
			}
		}
	}

	for _, date := range dates {
		trend.Points = append(trend.Points, models.TrendPoint{
			Date:  date,
			Value: trendValue(byDate[date]),
		})
	}
	return trend
}

func trendValue(grid []*float64) *float64 {
	if len(grid) == 0 {
		return nil
	}
	if last := grid[len(grid)-1]; last != nil {
		v := *last
		return &v
	}
	sum := 0.0
	n := 0
	for _, v := range grid {
		if v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return models.Float(sum / float64(n))
}
