package market

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

const sampleCSV = `instrument,timestamp,open,high,low,close,volume
WINZ25,2025-11-03T13:00:00Z,100,101,99,100.5,1200
WINZ25,2025-11-03T13:05:00Z,100.5,102,100,101.5,900
`

func TestCSVSourceReadsRows(t *testing.T) {
	src, err := NewCSVSource(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("header should parse: %v", err)
	}

	first, err := src.NextCandle(context.Background())
	if err != nil {
		t.Fatalf("first row: %v", err)
	}
	if first.Instrument != "WINZ25" || first.Close != 100.5 {
		t.Fatalf("unexpected candle: %+v", first)
	}

	if _, err := src.NextCandle(context.Background()); err != nil {
		t.Fatalf("second row: %v", err)
	}
	if _, err := src.NextCandle(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed at EOF, got %v", err)
	}
}

func TestCSVSourceRejectsOutOfOrder(t *testing.T) {
	data := `instrument,timestamp,open,high,low,close,volume
WINZ25,2025-11-03T13:05:00Z,100,101,99,100,1
WINZ25,2025-11-03T13:00:00Z,100,101,99,100,1
`
	src, err := NewCSVSource(strings.NewReader(data))
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := src.NextCandle(context.Background()); err != nil {
		t.Fatalf("first row: %v", err)
	}
	if _, err := src.NextCandle(context.Background()); err == nil {
		t.Fatal("out-of-order timestamp should fail")
	}
}

func TestCandleValidate(t *testing.T) {
	bad := Candle{Instrument: "X", Open: 10, High: 9, Low: 8, Close: 8.5}
	if err := bad.Validate(); err == nil {
		t.Fatal("open above high should fail validation")
	}
}

func TestCandleValidateRejectsBadNumbers(t *testing.T) {
	good := Candle{
		Instrument: "WINZ25",
		Timestamp:  time.Date(2025, 11, 3, 13, 0, 0, 0, time.UTC),
		Open:       100,
		High:       101,
		Low:        99,
		Close:      100,
		Volume:     10,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	cases := map[string]func(c *Candle){
		"nan close":     func(c *Candle) { c.Close = math.NaN() },
		"inf high":      func(c *Candle) { c.High = math.Inf(1) },
		"neg inf low":   func(c *Candle) { c.Low = math.Inf(-1) },
		"zero prices":   func(c *Candle) { c.Open, c.High, c.Low, c.Close = 0, 0, 0, 0 },
		"negative low":  func(c *Candle) { c.Low = -1 },
		"nan volume":    func(c *Candle) { c.Volume = math.NaN() },
		"negative vol":  func(c *Candle) { c.Volume = -5 },
		"pipe symbol":   func(c *Candle) { c.Instrument = "WIN|Z25" },
		"spaced symbol": func(c *Candle) { c.Instrument = "WIN Z25" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := good
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCSVSourceRejectsNaN(t *testing.T) {
	data := `instrument,timestamp,open,high,low,close,volume
WINZ25,2025-11-03T13:00:00Z,100,101,99,NaN,1
`
	src, err := NewCSVSource(strings.NewReader(data))
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := src.NextCandle(context.Background()); err == nil {
		t.Fatal("NaN close should fail")
	}
}
