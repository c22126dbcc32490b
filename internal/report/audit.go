package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/adsync/config"
)

// ErrWriterClosed is returned when writing to a closed audit writer.
var ErrWriterClosed = errors.New("audit writer closed")

// AuditRow is one remote mutation in Parquet format.
type AuditRow struct {
	RunID       string  `parquet:"run_id,zstd"`
	SyncType    string  `parquet:"sync_type,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Operation   string  `parquet:"operation,zstd"`
	DN          string  `parquet:"dn,zstd"`
	ElapsedMs   float64 `parquet:"elapsed_ms"`
	Error       string  `parquet:"error,optional,zstd"`
}

// AuditWriter writes audit rows to a Parquet file.
type AuditWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[AuditRow]
	rowCount int64
	closed   bool
}

// NewAuditWriter creates the audit file at path.
func NewAuditWriter(path string) (*AuditWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[AuditRow](f,
		parquet.Compression(&parquet.Zstd),
		parquet.MaxRowsPerRowGroup(config.DefaultAuditRowGroupSize),
	)

	return &AuditWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends rows.
func (w *AuditWriter) Write(rows ...AuditRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the file.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *AuditWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *AuditWriter) Path() string {
	return w.path
}

// ReadAudit reads every row of an audit file.
func ReadAudit(path string) ([]AuditRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[AuditRow](f)
	defer reader.Close()

	rows := make([]AuditRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
