package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"shopflow/canon"
	"shopflow/chart"
	"shopflow/internal/timegrid"
	"shopflow/models"
	"shopflow/store"
)

// maxRangeDays bounds chart range queries so one request cannot drag a whole
// table through the canonicalizer.
const maxRangeDays = 92

type seriesPayload struct {
	Category    string     `json:"category"`
	SubCategory string     `json:"subCategory"`
	IsRate      bool       `json:"isRate"`
	Grid        []*float64 `json:"grid"`
}

func seriesPayloads(series []models.CanonicalSeries) []seriesPayload {
	out := make([]seriesPayload, 0, len(series))
	for _, s := range series {
		out = append(out, seriesPayload{
			Category:    s.Category,
			SubCategory: s.SubCategory,
			IsRate:      s.IsRate,
			Grid:        s.Grid,
		})
	}
	return out
}

// handleTemplate lists the metrics appearing in the requested range, in
// first-seen order, capped for display.
func (s *Server) handleTemplate(c *gin.Context) {
	from, to, ok := s.dateRangeParams(c)
	if !ok {
		return
	}
	grid := gridParam(c)

	days, err := s.loadDays(c.Request.Context(), from, to, grid)
	if err != nil {
		s.chartError(c, err)
		return
	}

	refs := chart.Template(days)
	capped := chart.CapTemplate(refs, s.cfg.API.MaxTemplateMetrics)
	c.JSON(http.StatusOK, gin.H{
		"metrics": capped,
		"total":   len(refs),
	})
}

// handleDay serves one calendar date merged across all sources, with chart
// notes applied as bucket annotations. Sources without rows still contribute
// their fixed series as all-null grids.
func (s *Server) handleDay(c *gin.Context) {
	date := c.Query("date")
	if !validDateParam(date) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	grid := gridParam(c)

	fromISO, toISO, err := queryBounds(date, date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	parts := make([]models.DaySeries, 0, len(s.registry.Sources()))
	for _, src := range s.registry.Sources() {
		rows, err := s.rows.Select(c.Request.Context(), src.Table, fromISO, toISO)
		if err != nil {
			s.chartError(c, err)
			return
		}
		raws := store.RowsToRawRows(src.ID, rows)
		parts = append(parts, canon.CanonicalizeDate(src.Chart, raws, grid, date))
	}
	day := chart.MergeDays(parts...)

	keys := make([]string, 0, len(day.Series))
	for _, series := range day.Series {
		keys = append(keys, series.MetricKey())
	}
	notes, err := s.notes.Fetch(c.Request.Context(), keys, []string{date})
	if err != nil {
		s.log.WithComponent("api").WithError(err).Warn("chart notes unavailable, day served without them")
	} else {
		chart.ApplyNotes(&day, notes)
	}

	c.JSON(http.StatusOK, gin.H{
		"date":        day.Date,
		"labels":      grid.Labels(),
		"series":      seriesPayloads(day.Series),
		"annotations": day.Annotations,
	})
}

// handleOverlay serves one metric's grids across the requested range on a
// shared bucket axis. Every date of the range appears, dataless ones as
// all-null grids.
func (s *Server) handleOverlay(c *gin.Context) {
	category, subCategory, ok := s.metricParams(c)
	if !ok {
		return
	}
	from, to, ok := s.dateRangeParams(c)
	if !ok {
		return
	}
	grid := gridParam(c)

	days, err := s.loadDays(c.Request.Context(), from, to, grid)
	if err != nil {
		s.chartError(c, err)
		return
	}

	dates, err := dateRange(from, to)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be YYYY-MM-DD"})
		return
	}
	merged, found := chart.Overlay(days, category, subCategory, dates)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "metric not found in range"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"category":    merged.Category,
		"subCategory": merged.SubCategory,
		"isRate":      merged.IsRate,
		"labels":      grid.Labels(),
		"dates":       merged.Dates,
		"byDate":      merged.ByDate,
	})
}

// handleTrend serves one scalar per date of the requested range. Dates
// without data yield null points.
func (s *Server) handleTrend(c *gin.Context) {
	category, subCategory, ok := s.metricParams(c)
	if !ok {
		return
	}
	from, to, ok := s.dateRangeParams(c)
	if !ok {
		return
	}
	grid := gridParam(c)

	days, err := s.loadDays(c.Request.Context(), from, to, grid)
	if err != nil {
		s.chartError(c, err)
		return
	}

	dates, err := dateRange(from, to)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be YYYY-MM-DD"})
		return
	}
	trend := chart.Trend(days, category, subCategory, dates)
	c.JSON(http.StatusOK, gin.H{
		"category":    trend.Category,
		"subCategory": trend.SubCategory,
		"isRate":      trend.IsRate,
		"points":      trend.Points,
	})
}

// loadDays pulls every source's rows for [from, to], canonicalizes them and
// merges same-date series across sources. The store query extends past
// midnight so post-midnight residuals fold back onto the final day.
func (s *Server) loadDays(ctx context.Context, from, to string, grid timegrid.Grid) ([]models.DaySeries, error) {
	fromISO, toISO, err := queryBounds(from, to)
	if err != nil {
		return nil, err
	}

	perDate := make(map[string][]models.DaySeries)
	for _, src := range s.registry.Sources() {
		rows, err := s.rows.Select(ctx, src.Table, fromISO, toISO)
		if err != nil {
			return nil, err
		}
		raws := store.RowsToRawRows(src.ID, rows)
		for _, day := range canon.Canonicalize(src.Chart, raws, grid) {
			if day.Date < from || day.Date > to {
				continue
			}
			perDate[day.Date] = append(perDate[day.Date], day)
		}
	}

	dates := make([]string, 0, len(perDate))
	for d := range perDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := make([]models.DaySeries, 0, len(dates))
	for _, date := range dates {
		out = append(out, chart.MergeDays(perDate[date]...))
	}
	return out, nil
}

func (s *Server) chartError(c *gin.Context, err error) {
	s.log.WithComponent("api").WithError(err).Warn("store query failed")
	c.JSON(http.StatusBadGateway, gin.H{"error": "store query failed"})
}

func (s *Server) metricParams(c *gin.Context) (category, subCategory string, ok bool) {
	category = c.Query("category")
	subCategory = c.Query("subCategory")
	if category == "" || subCategory == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category and subCategory are required"})
		return "", "", false
	}
	return category, subCategory, true
}

func (s *Server) dateRangeParams(c *gin.Context) (from, to string, ok bool) {
	from = c.Query("from")
	to = c.Query("to")
	if !validDateParam(from) || !validDateParam(to) || from > to {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be YYYY-MM-DD with from <= to"})
		return "", "", false
	}
	if days, err := dateRange(from, to); err != nil || len(days) > maxRangeDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date range too wide"})
		return "", "", false
	}
	return from, to, true
}

func gridParam(c *gin.Context) timegrid.Grid {
	if c.Query("grid") == "hourly" {
		return timegrid.Hourly
	}
	return timegrid.Fine
}

func validDateParam(s string) bool {
	if len(s) != 10 {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// queryBounds converts a business-date range into ISO created_at bounds. The
// upper bound runs to 08:59:59 of the day after to, so readings captured
// after midnight still land in to's final bucket.
func queryBounds(from, to string) (fromISO, toISO string, err error) {
	after, err := nextDate(to)
	if err != nil {
		return "", "", err
	}
	return timegrid.CustomToISO(from + ":00:00:00"), timegrid.CustomToISO(after + ":08:59:59"), nil
}

func nextDate(date string) (string, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, 1).Format("2006-01-02"), nil
}

func dateRange(from, to string) ([]string, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, err
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return nil, err
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format("2006-01-02"))
	}
	return out, nil
}
