// Package archive mirrors persisted capture rows into S3 as partitioned
// Parquet files. Rows are flattened to long format (one archive record per
// numeric column), buffered per table and business date, and flushed on an
// interval or when a buffer fills.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "shopflow/config"
	"shopflow/logger"
	"shopflow/models"
)

const uploadTimeout = 2 * time.Minute

type archiveRecord struct {
	Table      string  `parquet:"name=table, type=BYTE_ARRAY, convertedtype=UTF8"`
	Column     string  `parquet:"name=column, type=BYTE_ARRAY, convertedtype=UTF8"`
	Group      string  `parquet:"name=group, type=BYTE_ARRAY, convertedtype=UTF8"`
	CapturedAt int64   `parquet:"name=captured_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Value      float64 `parquet:"name=value, type=DOUBLE"`
}

type batch struct {
	Table   string
	Date    string
	Entries []archiveRecord
	Reason  string
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Exporter buffers flattened rows and uploads them as Parquet objects under
// table=<t>/date=<d>/ prefixes.
type Exporter struct {
	cfg      *appconfig.Config
	s3Client *s3.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	log *logger.Log

	mu          sync.Mutex
	buffer      map[string][]archiveRecord
	flushTicker *time.Ticker
	maxBuffer   int

	jobCh   chan batch
	running bool
}

// NewExporter configures the S3 client from the archive section. Returns an
// error when the archive is disabled.
func NewExporter(cfg *appconfig.Config) (*Exporter, error) {
	if !cfg.Archive.Enabled {
		return nil, fmt.Errorf("archive disabled")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Archive.S3.Region)}
	if cfg.Archive.S3.AccessKeyID != "" && cfg.Archive.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Archive.S3.AccessKeyID,
				cfg.Archive.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Archive.S3.PathStyle
	})

	maxBuffer := cfg.Archive.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = 512
	}

	jobCapacity := maxBuffer * 2
	if jobCapacity < 128 {
		jobCapacity = 128
	}

	return &Exporter{
		cfg:       cfg,
		s3Client:  s3Client,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		buffer:    make(map[string][]archiveRecord),
		maxBuffer: maxBuffer,
		jobCh:     make(chan batch, jobCapacity),
	}, nil
}

// Start launches the flush and upload workers.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("archive exporter already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.buffer = make(map[string][]archiveRecord)

	interval := e.cfg.Archive.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	e.flushTicker = time.NewTicker(interval)
	e.mu.Unlock()

	e.log.WithComponent("archive").WithFields(logger.Fields{
		"flush_interval": interval,
		"max_buffer":     e.maxBuffer,
		"bucket":         e.cfg.Archive.S3.Bucket,
	}).Info("starting archive exporter")

	e.wg.Add(1)
	go e.flushLoop()

	for i := 0; i < 2; i++ {
		e.wg.Add(1)
		go e.uploadWorker()
	}

	return nil
}

// Stop flushes pending buffers and waits for uploads to finish.
func (e *Exporter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	ticker := e.flushTicker
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}

	e.flushBuffers("shutdown")
	close(e.jobCh)
	e.wg.Wait()
	e.log.WithComponent("archive").Info("archive exporter stopped")
}

// Add flattens store rows into the table's per-date buffer. Intended to be
// called after the primary store accepted the same rows.
func (e *Exporter) Add(table string, records []models.Record) {
	for _, rec := range records {
		for _, flat := range flattenRecord(table, rec) {
			e.addRecord(flat)
		}
	}
}

func (e *Exporter) addRecord(rec archiveRecord) {
	key := bufferKey(rec.Table, dateOf(rec.CapturedAt))

	var flush []archiveRecord
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.buffer[key] = append(e.buffer[key], rec)
	if len(e.buffer[key]) >= e.maxBuffer {
		flush = e.buffer[key]
		delete(e.buffer, key)
	}
	e.mu.Unlock()

	if len(flush) > 0 {
		e.enqueueBatch(key, flush, "max_buffer")
	}
}

func (e *Exporter) flushLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.flushTicker.C:
			e.flushBuffers("interval")
		}
	}
}

func (e *Exporter) uploadWorker() {
	defer e.wg.Done()
	for b := range e.jobCh {
		e.processBatch(b)
	}
}

func (e *Exporter) flushBuffers(reason string) {
	e.mu.Lock()
	buffers := e.buffer
	e.buffer = make(map[string][]archiveRecord)
	e.mu.Unlock()

	for key, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		e.enqueueBatch(key, entries, reason)
	}
}

func (e *Exporter) enqueueBatch(key string, entries []archiveRecord, reason string) {
	table, date := splitBufferKey(key)
	b := batch{Table: table, Date: date, Entries: entries, Reason: reason}
	select {
	case e.jobCh <- b:
	default:
		e.log.WithComponent("archive").WithFields(logger.Fields{
			"table": table,
			"date":  date,
		}).Warn("upload queue full, archive batch dropped")
	}
}

func (e *Exporter) processBatch(b batch) {
	entryLog := e.log.WithComponent("archive").WithFields(logger.Fields{
		"table":        b.Table,
		"date":         b.Date,
		"record_count": len(b.Entries),
		"reason":       b.Reason,
	})

	data, size, err := e.createParquet(b.Entries)
	if err != nil {
		entryLog.WithError(err).Error("failed to create archive parquet")
		return
	}

	key := e.objectKey(b)
	if err := e.upload(key, data); err != nil {
		entryLog.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload archive parquet")
		return
	}

	entryLog.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": size,
	}).Info("archive batch uploaded")
}

func (e *Exporter) createParquet(entries []archiveRecord) ([]byte, int64, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(archiveRecord), 1)
	if err != nil {
		return nil, 0, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(e.cfg.Archive.Compression) {
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "none":
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	default:
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	}

	for _, rec := range entries {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("finalize parquet: %w", err)
	}

	data := mem.Bytes()
	return data, int64(len(data)), nil
}

func (e *Exporter) objectKey(b batch) string {
	filename := fmt.Sprintf("%s_%s%s.parquet",
		e.cfg.Shopflow.Name,
		time.Now().UTC().Format("20060102150405"),
		uuid.NewString(),
	)
	key := filepath.Join(
		fmt.Sprintf("table=%s", b.Table),
		fmt.Sprintf("date=%s", b.Date),
		filename,
	)
	return filepath.ToSlash(key)
}

// uploadContext carries its own deadline, independent of the exporter
// context, so the final flush enqueued by Stop can still reach S3 after
// the exporter context is cancelled.
func (e *Exporter) uploadContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), uploadTimeout)
}

func (e *Exporter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Archive.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"shopflow-version": e.cfg.Shopflow.Version,
		},
	}

	ctx, cancel := e.uploadContext()
	defer cancel()
	_, err := e.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("upload archive parquet: %w", err)
	}
	return nil
}

// flattenRecord turns one store row into long-format archive records: one
// per numeric column, each stamped from created_at and carrying the row's
// string labels joined as the group.
func flattenRecord(table string, rec models.Record) []archiveRecord {
	ts := time.Now().UTC()
	if raw, ok := rec["created_at"].(string); ok && raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}

	group := ""
	for k, v := range rec {
		if k == "created_at" || k == "recorded_at" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			if group != "" {
				group += "|"
			}
			group += s
		}
	}

	var out []archiveRecord
	for k, v := range rec {
		if k == "created_at" || k == "recorded_at" || k == "id" {
			continue
		}
		var value float64
		switch n := v.(type) {
		case float64:
			value = n
		case int:
			value = float64(n)
		case int64:
			value = float64(n)
		default:
			continue
		}
		out = append(out, archiveRecord{
			Table:      table,
			Column:     k,
			Group:      group,
			CapturedAt: ts.UnixMilli(),
			Value:      value,
		})
	}
	return out
}

func dateOf(millis int64) string {
	return time.UnixMilli(millis).UTC().Format("2006-01-02")
}

func bufferKey(table, date string) string {
	return table + "|" + date
}

func splitBufferKey(key string) (table, date string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, ""
}
