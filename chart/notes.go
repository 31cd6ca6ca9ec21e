package chart

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"shopflow/models"
)

// NoteStore is the slice of the store client the annotation layer needs.
type NoteStore interface {
	SelectWhere(ctx context.Context, table string, filters url.Values) ([]models.Record, error)
	Upsert(ctx context.Context, table string, record models.Record, conflictColumns []string) error
}

// Notes reads and writes chart point annotations. A note is keyed by
// (chart_key, point_date, point_slot) where chart_key is the metric key and
// point_slot the bucket label.
type Notes struct {
	store NoteStore
	table string
}

func NewNotes(store NoteStore, table string) *Notes {
	return &Notes{store: store, table: table}
}

// Fetch loads notes for the given metric keys and dates, keyed
// chartKey -> "<date>|<bucketLabel>" -> note.
func (n *Notes) Fetch(ctx context.Context, chartKeys, pointDates []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	if len(chartKeys) == 0 || len(pointDates) == 0 {
		return out, nil
	}

	filters := url.Values{}
	filters.Set("chart_key", inFilter(chartKeys))
	filters.Set("point_date", inFilter(pointDates))

	rows, err := n.store.SelectWhere(ctx, n.table, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chart notes: %w", err)
	}

	for _, row := range rows {
		key, _ := row["chart_key"].(string)
		date, _ := row["point_date"].(string)
		slot, _ := row["point_slot"].(string)
		note, _ := row["note"].(string)
		if key == "" || date == "" {
			continue
		}
		if out[key] == nil {
			out[key] = make(map[string]string)
		}
		out[key][date+"|"+slot] = note
	}
	return out, nil
}

// Upsert writes one note, replacing any existing note on the same point.
func (n *Notes) Upsert(ctx context.Context, chartKey, pointDate, pointSlot, note string) error {
	record := models.Record{
		"chart_key":  chartKey,
		"point_date": pointDate,
		"point_slot": pointSlot,
		"note":       note,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := n.store.Upsert(ctx, n.table, record, []string{"chart_key", "point_date", "point_slot"}); err != nil {
		return fmt.Errorf("failed to upsert chart note: %w", err)
	}
	return nil
}

// ApplyNotes attaches fetched notes to a day's bucket annotations. Only
// notes for the day's date and its series' metric keys are applied.
func ApplyNotes(day *models.DaySeries, notes map[string]map[string]string) {
	if day.Annotations == nil {
		day.Annotations = make(map[string][]string)
	}
	for _, s := range day.Series {
		byPoint := notes[s.MetricKey()]
		if byPoint == nil {
			continue
		}
		prefix := day.Date + "|"
		for point, note := range byPoint {
			if note == "" || !strings.HasPrefix(point, prefix) {
				continue
			}
			bucket := strings.TrimPrefix(point, prefix)
			day.Annotations[bucket] = append(day.Annotations[bucket], note)
		}
	}
}

// inFilter renders a PostgREST in.(...) filter, quoting each value.
func inFilter(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, `"`+strings.ReplaceAll(v, `"`, ``)+`"`)
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}
