// Package workbook imports the hand-maintained tracking sheet: a fixed
// layout of hourly columns (09:00 through 24:00) with merged date and
// category cells, numeric rows per metric, and action-record rows that
// become bucket annotations. The importer emits the same day series shape
// the canonicalizer produces, so sheet history and captured history chart
// identically.
package workbook

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"shopflow/internal/timegrid"
	"shopflow/models"
)

// First hour column; columns 0..2 are date, category, subcategory.
const hourColumnStart = 3

const actionCategory = "动作记录"

var plusPattern = regexp.MustCompile(`^(\d+)\+$`)

// Parse converts sheet rows (header row included) into day series sorted by
// date. Merged date and category cells carry forward from the row above;
// rows without a subcategory are skipped.
func Parse(rows [][]string) ([]models.DaySeries, error) {
	hourly := timegrid.Hourly
	buckets := hourly.BucketCount()

	type dayAcc struct {
		series      []models.CanonicalSeries
		annotations map[string][]string
	}
	byDate := make(map[string]*dayAcc)
	var dates []string

	lastDate := ""
	lastCategory := ""

	for r := 1; r < len(rows); r++ {
		row := rows[r]
		if len(row) < hourColumnStart {
			continue
		}

		if d, ok := parseDateCell(cellAt(row, 0)); ok {
			lastDate = d
		}
		if lastDate == "" {
			continue
		}

		if c := strings.TrimSpace(cellAt(row, 1)); c != "" {
			lastCategory = c
		}
		subCategory := strings.TrimSpace(cellAt(row, 2))
		if subCategory == "" {
			continue
		}

		acc, ok := byDate[lastDate]
		if !ok {
			acc = &dayAcc{annotations: make(map[string][]string)}
			byDate[lastDate] = acc
			dates = append(dates, lastDate)
		}

		if lastCategory == actionCategory {
			for i := 0; i < buckets; i++ {
				text := strings.TrimSpace(cellAt(row, hourColumnStart+i))
				if text == "" {
					continue
				}
				label := hourly.BucketLabel(i)
				acc.annotations[label] = append(acc.annotations[label], subCategory+"-"+text)
			}
			continue
		}

		series := models.CanonicalSeries{
			Category:    lastCategory,
			SubCategory: subCategory,
			IsRate:      isRateSubCategory(subCategory),
			Grid:        make([]*float64, buckets),
		}
		for i := 0; i < buckets; i++ {
			series.Grid[i] = parseCellValue(cellAt(row, hourColumnStart+i))
		}
		acc.series = append(acc.series, series)
	}

	sort.Strings(dates)
	out := make([]models.DaySeries, 0, len(dates))
	for _, date := range dates {
		acc := byDate[date]
		out = append(out, models.DaySeries{
			Date:        date,
			Series:      acc.series,
			Annotations: acc.annotations,
		})
	}
	return out, nil
}

// ParseCSV reads a CSV export of the sheet.
func ParseCSV(r io.Reader) ([]models.DaySeries, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read workbook csv: %w", err)
	}
	return Parse(rows)
}

func cellAt(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return row[i]
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006/1/2"}

func parseDateCell(cell string) (string, bool) {
	s := strings.TrimSpace(cell)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// parseCellValue reads one numeric cell: "-" and blanks are null, "N+"
// truncates to N, comma grouping is stripped.
func parseCellValue(cell string) *float64 {
	s := strings.TrimSpace(cell)
	if s == "" || s == "-" {
		return nil
	}
	if m := plusPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil
		}
		return models.Float(n)
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return nil
	}
	return models.Float(n)
}

func isRateSubCategory(subCategory string) bool {
	return strings.Contains(subCategory, "转化")
}

