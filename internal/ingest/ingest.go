// Package ingest loads disease entities from CSV and XLSX exports.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/rare-priority/internal/model"
)

// Column names accepted in the header row.
const (
	ColEntityID = "entity_id"
	ColName     = "name"
	ColPath     = "classification_path"
)

// ErrDuplicateEntity is returned when an id appears twice in one file.
var ErrDuplicateEntity = eris.New("ingest: duplicate entity id")

// NormalizeName returns name in NFC with runs of whitespace collapsed.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}

// NameKey returns the case-folded lookup key of a name. Safe for concurrent
// use.
func NameKey(name string) string {
	return cases.Fold().String(NormalizeName(name))
}

// Load reads entities from path. Files ending in .xlsx are read as
// spreadsheets, everything else as CSV.
func Load(ctx context.Context, path string) ([]model.Entity, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ReadXLSX(ctx, path, XLSXOptions{})
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(ctx, f, CSVOptions{})
}

// columns maps header names to positions.
type columns struct {
	id, name, path int
}

func parseHeader(header []string) (columns, error) {
	fold := cases.Fold()
	cols := columns{id: -1, name: -1, path: -1}
	for i, h := range header {
		switch fold.String(strings.TrimSpace(h)) {
		case ColEntityID:
			cols.id = i
		case ColName:
			cols.name = i
		case ColPath:
			cols.path = i
		}
	}
	if cols.id < 0 || cols.name < 0 {
		return cols, eris.Errorf("ingest: header must contain %q and %q, got %v", ColEntityID, ColName, header)
	}
	return cols, nil
}

// builder accumulates rows into entities and rejects duplicate ids.
type builder struct {
	cols     columns
	seen     map[string]int
	names    map[string]string
	entities []model.Entity
}

func newBuilder(cols columns) *builder {
	return &builder{
		cols:  cols,
		seen:  make(map[string]int),
		names: make(map[string]string),
	}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// add converts one data row. line is the 1-based line number for messages.
func (b *builder) add(row []string, line int) error {
	id := strings.TrimSpace(cell(row, b.cols.id))
	name := NormalizeName(cell(row, b.cols.name))
	if id == "" && name == "" {
		return nil
	}
	if id == "" {
		return eris.Errorf("ingest: line %d: empty %s", line, ColEntityID)
	}
	if prev, ok := b.seen[id]; ok {
		return eris.Wrapf(ErrDuplicateEntity, "line %d: %s first seen on line %d", line, id, prev)
	}
	b.seen[id] = line

	if key := NameKey(name); key != "" {
		if other, ok := b.names[key]; ok {
			zap.L().Warn("ingest: entities share a name",
				zap.String("name", name),
				zap.String("entity_id", id),
				zap.String("other_id", other),
			)
		} else {
			b.names[key] = id
		}
	}

	b.entities = append(b.entities, model.Entity{
		ID:                 id,
		Name:               name,
		ClassificationPath: strings.TrimSpace(cell(row, b.cols.path)),
	})
	return nil
}
