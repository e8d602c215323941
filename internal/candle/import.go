package candle

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// RequiredFields are the columns every imported record must carry.
var RequiredFields = []string{"timestamp", "open", "high", "low", "close", "volume"}

// ImportError points at the record that failed import. Row is 1-based and
// counts data records, not the CSV header.
type ImportError struct {
	Row   int
	Field string
	Err   error
}

func (e *ImportError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("record %d, field %q: %v", e.Row, e.Field, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Row, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

var errMissingField = errors.New("missing required field")

// parseTimestamp accepts unix seconds, unix milliseconds or RFC3339 and
// returns unix milliseconds.
func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Anything below 1e11 cannot be milliseconds after 1973.
		if n < 100_000_000_000 {
			return n * 1000, nil
		}
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && isFinite(f) {
		if f < 100_000_000_000 {
			return int64(f * 1000), nil
		}
		return int64(f), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("unparseable timestamp %q", s)
	}
	return t.UnixMilli(), nil
}

func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if !isFinite(f) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	return f, nil
}

// fromFields builds and validates one candle from string fields keyed by
// lower-case column name.
func fromFields(row int, fields map[string]string, symbol, timeframe, source string) (Candle, error) {
	for _, name := range RequiredFields {
		if _, ok := fields[name]; !ok {
			return Candle{}, &ImportError{Row: row, Field: name, Err: errMissingField}
		}
	}

	ts, err := parseTimestamp(fields["timestamp"])
	if err != nil {
		return Candle{}, &ImportError{Row: row, Field: "timestamp", Err: err}
	}
	c := Candle{Timestamp: ts, Symbol: symbol, Timeframe: timeframe, Source: source}
	targets := []struct {
		name string
		dst  *float64
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close}, {"volume", &c.Volume},
	}
	for _, t := range targets {
		v, err := parseNumber(fields[t.name])
		if err != nil {
			return Candle{}, &ImportError{Row: row, Field: t.name, Err: err}
		}
		*t.dst = v
	}
	if err := c.Validate(); err != nil {
		return Candle{}, &ImportError{Row: row, Err: err}
	}
	return c, nil
}

// ReadCSV imports candles from CSV with a header row naming at least the
// required fields (any order, case-insensitive). The result is sorted and
// de-duplicated.
func ReadCSV(r io.Reader, symbol, timeframe string) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("ReadCSV | reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range RequiredFields {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("ReadCSV | header is missing column %q", name)
		}
	}

	var candles []Candle
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ImportError{Row: row, Err: err}
		}
		fields := make(map[string]string, len(RequiredFields))
		for _, name := range RequiredFields {
			if i := index[name]; i < len(record) {
				fields[name] = record[i]
			}
		}
		c, err := fromFields(row, fields, symbol, timeframe, "csv")
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return Process(candles), nil
}

// ReadJSON imports candles from a JSON array of objects. Numeric fields may
// be JSON numbers or numeric strings.
func ReadJSON(r io.Reader, symbol, timeframe string) ([]Candle, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("ReadJSON | decoding array: %w", err)
	}

	candles := make([]Candle, 0, len(raw))
	for i, obj := range raw {
		fields := make(map[string]string, len(obj))
		for k, v := range obj {
			key := strings.ToLower(k)
			switch val := v.(type) {
			case json.Number:
				fields[key] = val.String()
			case string:
				fields[key] = val
			case nil:
				// absent
			default:
				return nil, &ImportError{Row: i + 1, Field: key, Err: fmt.Errorf("unexpected type %T", v)}
			}
		}
		c, err := fromFields(i+1, fields, symbol, timeframe, "json")
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return Process(candles), nil
}
