package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/floorsheet-harvester/internal/models"
	"github.com/maltedev/floorsheet-harvester/internal/parser"
)

const filePrefix = "floor_sheet_data_"

// DailyPath returns the output file for day inside dir.
func DailyPath(dir string, day time.Time) string {
	return filepath.Join(dir, filePrefix+day.Format("2006-01-02")+".csv")
}

// CSV appends records to a file, one quoted line per record. The header is
// written only when the file is new or empty.
type CSV struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	w       *bufio.Writer
	written int
	logger  *slog.Logger
}

func OpenCSV(path string, logger *slog.Logger) (*CSV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	s := &CSV{
		path:   path,
		file:   file,
		w:      bufio.NewWriter(file),
		logger: logger.With("component", "csv_sink", "path", path),
	}

	if info.Size() == 0 {
		if _, err := s.w.WriteString(formatLine(models.Header)); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		s.logger.Info("Created output file")
	} else {
		s.logger.Info("Appending to existing output file", "size", info.Size())
	}
	return s, nil
}

func (s *CSV) Write(ctx context.Context, rec models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("csv sink is closed")
	}
	if _, err := s.w.WriteString(formatLine(rec.Fields())); err != nil {
		return fmt.Errorf("failed to write record %s: %w", rec.Key, err)
	}
	s.written++
	return nil
}

// Flush pushes buffered lines to disk.
func (s *CSV) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	return nil
}

func (s *CSV) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.logger.Info("Closed output file", "records_written", s.written)
	return err
}

// formatLine quotes every field and doubles embedded quotes.
func formatLine(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
	return b.String()
}

// ReadRecords parses a file written by CSV back into records. Rows that no
// longer normalize are skipped. A missing file yields no records.
func ReadRecords(path string, normalizer parser.RowNormalizer) ([]models.Record, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	var records []models.Record
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("failed to read %s line %d: %w", path, line, err)
		}
		if line == 1 && len(row) > 0 && row[0] == models.Header[0] {
			continue
		}

		rec, err := normalizer.Normalize(models.RawRow(row))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
