package archive

import (
	"context"

	"shopflow/models"
)

// StoreWriter is the primary row-write surface the tee wraps.
type StoreWriter interface {
	Insert(ctx context.Context, table string, record models.Record) error
	BatchInsert(ctx context.Context, table string, records []models.Record) error
}

// TeeWriter forwards writes to the primary store and mirrors rows the store
// accepted into the archive exporter. Failed writes are not archived, so the
// archive never holds rows the store does not.
type TeeWriter struct {
	next     StoreWriter
	exporter *Exporter
}

func NewTeeWriter(next StoreWriter, exporter *Exporter) *TeeWriter {
	return &TeeWriter{next: next, exporter: exporter}
}

func (t *TeeWriter) Insert(ctx context.Context, table string, record models.Record) error {
	if err := t.next.Insert(ctx, table, record); err != nil {
		return err
	}
	t.exporter.Add(table, []models.Record{record})
	return nil
}

func (t *TeeWriter) BatchInsert(ctx context.Context, table string, records []models.Record) error {
	if err := t.next.BatchInsert(ctx, table, records); err != nil {
		return err
	}
	t.exporter.Add(table, records)
	return nil
}
