// Package analytics is the append-only event sink: Insert never blocks the
// caller, rows are staged durably, and a background flusher batches them
// into Parquet for the downstream warehouse. This generalizes the bounded
// webhook queue pattern in services/escrow-gateway/webhook_queue.go from a
// single delivery channel into a typed, durably-staged row sink.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

// Table names the fixed per-table schema a row belongs to.
type Table string

const (
	TableBinary      Table = "BINARY"
	TableCertificate Table = "CERTIFICATE"
	TableBundle      Table = "BUNDLE"
	TableVote        Table = "VOTE"
	TableRule        Table = "RULE"
	TableHost        Table = "HOST"
	TableUser        Table = "USER"
)

// EventType distinguishes the kind of lifecycle event a BINARY/CERTIFICATE/
// BUNDLE row represents: VOTE, STATE_CHANGE, SCORE_CHANGE, RESET, and
// COMMENT.
type EventType string

const (
	EventVote        EventType = "VOTE"
	EventStateChange EventType = "STATE_CHANGE"
	EventScoreChange EventType = "SCORE_CHANGE"
	EventReset       EventType = "RESET"
	EventComment     EventType = "COMMENT"
	EventRule        EventType = "RULE"
)

// Row is one buffered analytics event awaiting flush.
type Row struct {
	Table     Table             `json:"table"`
	Event     EventType         `json:"event"`
	Fields    map[string]string `json:"fields"`
	Timestamp time.Time         `json:"timestamp"`
}

// parquetRow is the flattened shape written to Parquet; the warehouse keys
// on Table/Event and parses FieldsJSON per its own per-table schema
// registry, since the underlying fields vary by table.
type parquetRow struct {
	Table      string `parquet:"name=table, type=BYTE_ARRAY, convertedtype=UTF8"`
	Event      string `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8"`
	FieldsJSON string `parquet:"name=fields_json, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64  `parquet:"name=timestamp, type=INT64"`
}

// Sink buffers rows in memory, stages them durably in a local goleveldb
// database so a restart does not lose unflushed rows, and periodically
// drains the stage into a Parquet file.
type Sink struct {
	log *slog.Logger

	buf chan Row

	stage   *leveldb.DB
	stageMu sync.Mutex
	seq     uint64

	subMu sync.Mutex
	subs  map[chan Row]struct{}

	metrics *sinkMetrics
}

// Option configures Sink construction.
type Option func(*sinkConfig)

type sinkConfig struct {
	bufferSize int
}

// WithBufferSize overrides the in-memory channel capacity (default 4096).
func WithBufferSize(n int) Option {
	return func(c *sinkConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// New opens (or creates) the goleveldb staging database at stagePath and
// starts the in-memory buffer. Call Run to start the background stager and
// PeriodicFlush to start the Parquet flush loop.
func New(stagePath string, log *slog.Logger, opts ...Option) (*Sink, error) {
	cfg := sinkConfig{bufferSize: 4096}
	for _, opt := range opts {
		opt(&cfg)
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := leveldb.OpenFile(stagePath, nil)
	if err != nil {
		return nil, err
	}
	return &Sink{
		log:     log,
		buf:     make(chan Row, cfg.bufferSize),
		stage:   db,
		subs:    make(map[chan Row]struct{}),
		metrics: sinkMetricsInstance(),
	}, nil
}

// Subscribe registers a channel that receives a best-effort copy of every
// row Inserted from here on, for the admin debug stream. The returned
// unsubscribe function must be called when the subscriber is done; it closes
// the channel.
func (s *Sink) Subscribe(buffer int) (<-chan Row, func()) {
	ch := make(chan Row, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

func (s *Sink) publish(row Row) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- row:
		default:
		}
	}
}

// Close closes the in-memory buffer and every subscriber channel and
// releases the staging database. Rows still in the buffer that Run has not
// staged are not written; Insert must not be called after Close.
func (s *Sink) Close() error {
	close(s.buf)
	s.subMu.Lock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	s.subMu.Unlock()
	return s.stage.Close()
}

// Insert enqueues a row without blocking. If the in-memory buffer is full
// the row is dropped and logged: delivery is best-effort-but-durable and
// insert failures must never propagate to the caller's transaction.
func (s *Sink) Insert(row Row) {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	select {
	case s.buf <- row:
	default:
		s.metrics.dropped.Add(1)
		s.log.Warn("analytics: buffer full, dropping row",
			slog.String("table", string(row.Table)), slog.String("event", string(row.Event)))
	}
	s.publish(row)
}

// Run drains the in-memory buffer into the durable stage until ctx is
// cancelled or the buffer channel is closed. It is meant to run as one
// long-lived goroutine.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-s.buf:
			if !ok {
				return
			}
			s.stageRow(row)
		}
	}
}

func (s *Sink) stageRow(row Row) {
	payload, err := json.Marshal(row)
	if err != nil {
		s.log.Error("analytics: marshal row failed", slog.String("error", err.Error()))
		return
	}
	s.stageMu.Lock()
	s.seq++
	key := stageKey(s.seq)
	s.stageMu.Unlock()
	if err := s.stage.Put(key, payload, nil); err != nil {
		s.metrics.stageErrors.Add(1)
		s.log.Error("analytics: stage row failed", slog.String("error", err.Error()))
	}
}

func stageKey(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}

// PeriodicFlush runs FlushOnce on interval until ctx is cancelled.
func (s *Sink) PeriodicFlush(ctx context.Context, interval time.Duration, outDir string, maxBatch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FlushOnce(outDir, maxBatch); err != nil {
				s.log.Error("analytics: parquet flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// FlushOnce drains up to maxBatch staged rows into a single Parquet file
// named by the current time, then deletes the flushed keys from the stage.
// It returns nil without writing a file if there is nothing staged.
func (s *Sink) FlushOnce(outDir string, maxBatch int) error {
	iter := s.stage.NewIterator(nil, nil)
	defer iter.Release()

	var keys [][]byte
	var rows []parquetRow
	for iter.Next() && len(rows) < maxBatch {
		var r Row
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			s.log.Error("analytics: corrupt staged row, dropping", slog.String("error", err.Error()))
			keys = append(keys, append([]byte(nil), iter.Key()...))
			continue
		}
		fieldsJSON, _ := json.Marshal(r.Fields)
		rows = append(rows, parquetRow{
			Table:      string(r.Table),
			Event:      string(r.Event),
			FieldsJSON: string(fieldsJSON),
			Timestamp:  r.Timestamp.UnixNano(),
		})
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	path := outDir + "/" + time.Now().Format("20060102T150405.999999999") + ".parquet"
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return err
	}
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 4)
	if err != nil {
		fw.Close()
		return err
	}
	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			fw.Close()
			return err
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(k)
	}
	if err := s.stage.Write(batch, nil); err != nil {
		return err
	}
	s.metrics.flushed.Add(float64(len(rows)))
	s.log.Info("analytics: flushed rows to parquet", slog.Int("rows", len(rows)), slog.String("path", path))
	return nil
}
