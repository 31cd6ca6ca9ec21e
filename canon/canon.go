// Package canon rebuilds persisted raw rows into aligned fixed-resolution
// day series. The output grid always has the full bucket count of the chosen
// resolution, with nil for buckets no row covered; when several rows land in
// the same bucket the one with the latest timestamp wins.
package canon

import (
	"math"
	"sort"

	"shopflow/internal/timegrid"
	"shopflow/models"
	"shopflow/registry"
)

type cell struct {
	value      float64
	recordedAt string
}

// bucketKey addresses one resolved grid cell.
type bucketKey struct {
	date   string
	series string
	bucket int
}

// Canonicalize resolves raw rows onto the grid and returns one DaySeries per
// calendar date, sorted by date. The result depends only on the set of rows,
// not their order: duplicate buckets resolve to the lexicographically latest
// timestamp, and both supported timestamp encodings are zero-padded so plain
// string comparison is the correct order.
func Canonicalize(spec registry.ChartSpec, rows []models.RawRow, grid timegrid.Grid) []models.DaySeries {
	latest := make(map[bucketKey]cell)
	rates := make(map[string]bool)
	groups := make(map[string]struct{})

	for _, col := range spec.Columns {
		rates[col.SubCategory] = col.IsRate
	}

	for _, row := range rows {
		st, ok := timegrid.ParseStamp(row.RecordedAt)
		if !ok {
			continue
		}
		date, bucket, ok := grid.Bucket(st)
		if !ok {
			continue
		}

		if spec.GroupLabel != "" {
			group := row.Labels[spec.GroupLabel]
			if group == "" {
				continue
			}
			v, ok := groupedValue(spec, row)
			if !ok {
				continue
			}
			groups[group] = struct{}{}
			resolve(latest, bucketKey{date, group, bucket}, cell{v, st.Raw})
			continue
		}

		for _, col := range spec.Columns {
			v, ok := row.Columns[col.Column]
			if !ok || !finite(v) {
				continue
			}
			resolve(latest, bucketKey{date, col.SubCategory, bucket}, cell{v, st.Raw})
		}
	}

	seriesNames := seriesOrder(spec, groups)

	dateSet := make(map[string]struct{})
	for key := range latest {
		dateSet[key.date] = struct{}{}
	}
	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := make([]models.DaySeries, 0, len(dates))
	for _, date := range dates {
		day := models.DaySeries{
			Date:        date,
			Series:      make([]models.CanonicalSeries, 0, len(seriesNames)),
			Annotations: make(map[string][]string),
		}
		for _, name := range seriesNames {
			series := models.CanonicalSeries{
				Category:    spec.Category,
				SubCategory: name,
				IsRate:      rates[name],
				Grid:        make([]*float64, grid.BucketCount()),
			}
			for i := range series.Grid {
				if c, ok := latest[bucketKey{date, name, i}]; ok {
					series.Grid[i] = models.Float(c.value)
				}
			}
			day.Series = append(day.Series, series)
		}
		out = append(out, day)
	}
	return out
}

// CanonicalizeDate is Canonicalize restricted to one calendar date. A date
// no row resolved to yields an all-nil grid per series.
func CanonicalizeDate(spec registry.ChartSpec, rows []models.RawRow, grid timegrid.Grid, date string) models.DaySeries {
	for _, day := range Canonicalize(spec, rows, grid) {
		if day.Date == date {
			return day
		}
	}

	day := models.DaySeries{
		Date:        date,
		Annotations: make(map[string][]string),
	}
	for _, col := range spec.Columns {
		day.Series = append(day.Series, models.CanonicalSeries{
			Category:    spec.Category,
			SubCategory: col.SubCategory,
			IsRate:      col.IsRate,
			Grid:        make([]*float64, grid.BucketCount()),
		})
	}
	return day
}

// groupedValue picks the plotted value of a grouped row: the spec's
// designated column when set, otherwise the lowest finite column name, so
// rows carrying extra numeric columns resolve the same way on every run.
func groupedValue(spec registry.ChartSpec, row models.RawRow) (float64, bool) {
	if spec.ValueColumn != "" {
		v, ok := row.Columns[spec.ValueColumn]
		return v, ok && finite(v)
	}
	names := make([]string, 0, len(row.Columns))
	for name, v := range row.Columns {
		if finite(v) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return 0, false
	}
	sort.Strings(names)
	return row.Columns[names[0]], true
}

func resolve(latest map[bucketKey]cell, key bucketKey, c cell) {
	if existing, ok := latest[key]; ok && existing.recordedAt >= c.recordedAt {
		return
	}
	latest[key] = c
}

// seriesOrder returns the subcategory names in presentation order: spec
// column order for fixed-column sources, sorted group labels for grouped
// sources.
func seriesOrder(spec registry.ChartSpec, groups map[string]struct{}) []string {
	if spec.GroupLabel == "" {
		names := make([]string, 0, len(spec.Columns))
		for _, col := range spec.Columns {
			names = append(names, col.SubCategory)
		}
		return names
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
