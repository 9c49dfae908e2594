package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rare-priority/internal/model"
)

// FixtureFile is the on-disk evidence for one entity, keyed by criterion.
type FixtureFile map[model.Criterion][]model.EvidenceRecord

// FixtureAdapter serves evidence from <dir>/<entity_id>.json, .yaml or .yml.
// An entity without a file yields an empty success; a file that does not
// parse is a permanent failure.
type FixtureAdapter struct {
	dir string
}

// NewFixtureAdapter creates an adapter reading from dir.
func NewFixtureAdapter(dir string) *FixtureAdapter {
	return &FixtureAdapter{dir: dir}
}

var fixtureExts = []string{".json", ".yaml", ".yml"}

// Fetch implements Adapter.
func (f *FixtureAdapter) Fetch(ctx context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "fetch: fixture")
	}

	path, err := f.locate(entityID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return []model.EvidenceRecord{}, nil
	}

	file, err := LoadFixture(path)
	if err != nil {
		return nil, err
	}
	records := file[c]
	if records == nil {
		records = []model.EvidenceRecord{}
	}
	return records, nil
}

// locate returns the first fixture file for entityID, or "" if none exists.
func (f *FixtureAdapter) locate(entityID string) (string, error) {
	for _, base := range fixtureNames(entityID) {
		for _, ext := range fixtureExts {
			path := filepath.Join(f.dir, base+ext)
			info, err := os.Stat(path)
			if err == nil && !info.IsDir() {
				return path, nil
			}
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return "", eris.Wrapf(err, "fetch: stat fixture %s", path)
			}
		}
	}
	return "", nil
}

// fixtureNames lists candidate base names. Identifiers such as "ORPHA:558"
// may also be stored as "ORPHA_558".
func fixtureNames(entityID string) []string {
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(entityID)
	if safe == entityID {
		return []string{entityID}
	}
	return []string{entityID, safe}
}

// LoadFixture parses one fixture file by extension.
func LoadFixture(path string) (FixtureFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: read fixture %s", path)
	}

	var file FixtureFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		return nil, eris.Errorf("fetch: unsupported fixture format %s", path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: parse fixture %s", path)
	}
	for c := range file {
		if !c.Valid() {
			return nil, eris.Errorf("fetch: fixture %s: unknown criterion %q", path, c)
		}
	}
	return file, nil
}
