package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/sornon/member-sub002/internal/reconcile"
)

// Format selects the report encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// ParseFormat parses a format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("report: unknown format %q", s)
	}
}

// Row sections in the parquet layout.
const (
	sectionHeader    = "header"
	sectionRemoved   = "removed"
	sectionPreview   = "preview"
	sectionAuxiliary = "auxiliary"
	sectionError     = "error"
)

// row is one flattened line of a report. Every row repeats the run columns
// so a directory of report files can be queried as a single table.
type row struct {
	RunID           string  `parquet:"run_id"`
	Kind            string  `parquet:"kind"`
	StartedAt       int64   `parquet:"started_at,timestamp(millisecond)"`
	DurationSeconds float64 `parquet:"duration_seconds"`
	Section         string  `parquet:"section"`
	Key             string  `parquet:"key"`
	ID              string  `parquet:"id"`
	Count           int64   `parquet:"count"`
	Message         string  `parquet:"message"`
}

// encode serializes a report. JSON is stream-compressed afterwards; parquet
// applies the codec to its pages.
func encode(f Format, c Compression, r reconcile.Report) ([]byte, error) {
	switch f {
	case FormatJSON:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("report: marshal: %w", err)
		}
		return compressBytes(c, data)
	case FormatParquet:
		return encodeParquet(c, r)
	default:
		return nil, fmt.Errorf("report: unknown format %q", f)
	}
}

// decode is the inverse of encode.
func decode(f Format, c Compression, data []byte) (reconcile.Report, error) {
	switch f {
	case FormatJSON:
		raw, err := decompressBytes(c, data)
		if err != nil {
			return reconcile.Report{}, err
		}
		var r reconcile.Report
		if err := json.Unmarshal(raw, &r); err != nil {
			return reconcile.Report{}, fmt.Errorf("report: unmarshal: %w", err)
		}
		return r, nil
	case FormatParquet:
		return decodeParquet(data)
	default:
		return reconcile.Report{}, fmt.Errorf("report: unknown format %q", f)
	}
}

func parquetCodec(c Compression) compress.Codec {
	switch c {
	case CompressionGzip:
		return &parquet.Gzip
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionZstd:
		return &parquet.Zstd
	default:
		return &parquet.Uncompressed
	}
}

func encodeParquet(c Compression, r reconcile.Report) ([]byte, error) {
	rows := flatten(r)

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[row](&buf, parquet.Compression(parquetCodec(c)))
	n, err := w.Write(rows)
	if err != nil {
		return nil, fmt.Errorf("parquet: write rows: %w", err)
	}
	if n != len(rows) {
		return nil, fmt.Errorf("parquet: wrote %d of %d rows", n, len(rows))
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("parquet: close: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeParquet(data []byte) (reconcile.Report, error) {
	reader := parquet.NewGenericReader[row](bytes.NewReader(data))
	defer reader.Close()

	numRows := reader.NumRows()
	if numRows == 0 {
		return reconcile.Report{}, fmt.Errorf("parquet: report has no rows")
	}
	rows := make([]row, numRows)
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return reconcile.Report{}, fmt.Errorf("parquet: read rows: %w", err)
	}
	return inflate(rows[:n]), nil
}

// flatten turns a report into rows: one header row, then counters in key
// order, then errors in their recorded order.
func flatten(r reconcile.Report) []row {
	base := row{
		RunID:           r.RunID,
		Kind:            r.Kind,
		StartedAt:       r.StartedAt.UnixMilli(),
		DurationSeconds: r.Duration,
	}

	header := base
	header.Section = sectionHeader
	rows := []row{header}

	counters := func(section string, m map[string]int) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rw := base
			rw.Section = section
			rw.Key = k
			rw.Count = int64(m[k])
			rows = append(rows, rw)
		}
	}
	counters(sectionRemoved, r.Summary.Removed)
	counters(sectionPreview, r.Summary.Preview)
	counters(sectionAuxiliary, r.Summary.Auxiliary)

	for _, e := range r.Summary.Errors {
		rw := base
		rw.Section = sectionError
		rw.Key = e.Collection
		rw.ID = e.ID
		rw.Message = e.Message
		rows = append(rows, rw)
	}
	return rows
}

func inflate(rows []row) reconcile.Report {
	first := rows[0]
	r := reconcile.Report{
		Kind:      first.Kind,
		RunID:     first.RunID,
		StartedAt: time.UnixMilli(first.StartedAt).UTC(),
		Duration:  first.DurationSeconds,
		Summary:   reconcile.Summary{Errors: []reconcile.ErrorEntry{}},
	}
	for _, rw := range rows {
		switch rw.Section {
		case sectionRemoved:
			r.Summary.AddRemoved(rw.Key, int(rw.Count))
		case sectionPreview:
			r.Summary.AddPreview(rw.Key, int(rw.Count))
		case sectionAuxiliary:
			r.Summary.AddAuxiliary(rw.Key, int(rw.Count))
		case sectionError:
			r.Summary.Errors = append(r.Summary.Errors, reconcile.ErrorEntry{
				Collection: rw.Key,
				ID:         rw.ID,
				Message:    rw.Message,
			})
		}
	}
	return r
}
