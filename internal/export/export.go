// Package export writes a catalog snapshot as parquet, yaml or json for
// offline analysis.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"

	"github.com/example/cardscan/internal/catalog"
)

// Format names an export encoding.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatYAML    Format = "yaml"
	FormatJSON    Format = "json"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "parquet":
		return FormatParquet, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format: %q (supported: parquet, yaml, json)", s)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Row is one exported record. Empty strings mean the optional field was absent.
type Row struct {
	Position    int    `json:"position" yaml:"position" parquet:"position"`
	ID          string `json:"id" yaml:"id" parquet:"id"`
	NamePrimary string `json:"name" yaml:"name" parquet:"name"`
	NameAlt     string `json:"name_alt,omitempty" yaml:"name_alt,omitempty" parquet:"name_alt"`
	ImageRef    string `json:"image_ref" yaml:"image_ref" parquet:"image_ref"`
	Fingerprint string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty" parquet:"fingerprint"`
}

// Document is the yaml/json envelope.
type Document struct {
	Version           string    `json:"version" yaml:"version"`
	BuiltAt           time.Time `json:"built_at" yaml:"built_at"`
	FingerprintFormat string    `json:"fingerprint_format" yaml:"fingerprint_format"`
	Count             int       `json:"count" yaml:"count"`
	Records           []Row     `json:"records" yaml:"records"`
}

// Rows flattens the snapshot in snapshot order.
func Rows(snap *catalog.Snapshot) []Row {
	rows := make([]Row, 0, snap.Len())
	snap.Range(func(rec catalog.Record) bool {
		row := Row{
			Position:    len(rows),
			ID:          rec.ID,
			NamePrimary: rec.NamePrimary,
			ImageRef:    rec.ImageRef,
		}
		if alt, ok := rec.AltName(); ok {
			row.NameAlt = alt
		}
		if fp, ok := rec.Hash(); ok {
			row.Fingerprint = fp.String()
		}
		rows = append(rows, row)
		return true
	})
	return rows
}

// Write encodes snap to w in the given format.
func Write(w io.Writer, snap *catalog.Snapshot, format Format) error {
	rows := Rows(snap)
	switch format {
	case FormatParquet:
		return writeParquet(w, rows)
	case FormatYAML, FormatJSON:
		meta := snap.Meta()
		doc := Document{
			Version:           meta.Version,
			BuiltAt:           meta.BuiltAt.UTC(),
			FingerprintFormat: meta.FingerprintFormat,
			Count:             len(rows),
			Records:           rows,
		}
		if format == FormatYAML {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(doc); err != nil {
				return fmt.Errorf("encode yaml: %w", err)
			}
			return enc.Close()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported export format: %q", format)
	}
}

// WriteFile writes snap to path, creating parent directories.
func WriteFile(path string, snap *catalog.Snapshot, format Format) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := Write(f, snap, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeParquet(w io.Writer, rows []Row) error {
	writer := parquet.NewGenericWriter[Row](w)
	if _, err := writer.Write(rows); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// ReadParquet loads rows written by Write.
func ReadParquet(r io.ReaderAt, size int64) ([]Row, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	reader := parquet.NewGenericReader[Row](pf)
	defer reader.Close()

	rows := make([]Row, 0, pf.NumRows())
	batch := make([]Row, 128)
	for {
		n, err := reader.Read(batch)
		rows = append(rows, batch[:n]...)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}
}
