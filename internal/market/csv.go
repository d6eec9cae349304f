package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// CSVSource replays candles from a CSV file with the header
// instrument,timestamp,open,high,low,close,volume (timestamp RFC3339).
type CSVSource struct {
	file   io.Closer
	reader *csv.Reader
	line   int
	last   map[string]time.Time
}

// OpenCSV opens a CSV candle file.
func OpenCSV(path string) (*CSVSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candle csv: %w", err)
	}
	src, err := NewCSVSource(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	src.file = file
	return src, nil
}

// NewCSVSource reads candles from r; the header row is required.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 7
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read candle csv header: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(header[0])) != "instrument" {
		return nil, errors.New("candle csv header must start with instrument")
	}
	return &CSVSource{reader: reader, line: 1, last: make(map[string]time.Time)}, nil
}

// NextCandle returns the next row, ErrSourceClosed at EOF.
func (s *CSVSource) NextCandle(ctx context.Context) (Candle, error) {
	if err := ctx.Err(); err != nil {
		return Candle{}, err
	}

	record, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return Candle{}, ErrSourceClosed
	}
	if err != nil {
		return Candle{}, fmt.Errorf("read candle csv: %w", err)
	}
	s.line++

	candle, err := parseCandleRecord(record)
	if err != nil {
		return Candle{}, fmt.Errorf("candle csv line %d: %w", s.line, err)
	}
	if prev, ok := s.last[candle.Instrument]; ok && !candle.Timestamp.After(prev) {
		return Candle{}, fmt.Errorf("candle csv line %d: timestamp not after previous for %s", s.line, candle.Instrument)
	}
	s.last[candle.Instrument] = candle.Timestamp
	return candle, nil
}

// Close releases the underlying file when opened via OpenCSV.
func (s *CSVSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func parseCandleRecord(record []string) (Candle, error) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[1]))
	if err != nil {
		return Candle{}, fmt.Errorf("parse timestamp: %w", err)
	}

	values := make([]float64, 5)
	for i := range values {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+2]), 64)
		if err != nil {
			return Candle{}, fmt.Errorf("parse column %d: %w", i+3, err)
		}
		values[i] = v
	}

	candle := Candle{
		Instrument: strings.TrimSpace(record[0]),
		Timestamp:  ts.UTC(),
		Open:       values[0],
		High:       values[1],
		Low:        values[2],
		Close:      values[3],
		Volume:     values[4],
	}
	if err := candle.Validate(); err != nil {
		return Candle{}, err
	}
	return candle, nil
}

var _ CandleSource = (*CSVSource)(nil)
