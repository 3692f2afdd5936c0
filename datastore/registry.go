package datastore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry looks up datasets by id.  Implementations must be safe for
// concurrent use.
type Registry interface {
	// GetDataset returns a DatasetNotFound error if no dataset has the id.
	GetDataset(id string) (*Dataset, error)

	// ListDatasets returns all datasets ordered by id.
	ListDatasets() ([]*Dataset, error)
}

// MemRegistry is an in-memory Registry.
type MemRegistry struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewMemRegistry returns a registry holding copies of the given datasets.
func NewMemRegistry(datasets ...*Dataset) (*MemRegistry, error) {
	r := &MemRegistry{datasets: make(map[string]*Dataset, len(datasets))}
	for _, d := range datasets {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add stores a copy of d, replacing any dataset with the same id.
func (r *MemRegistry) Add(d *Dataset) error {
	cp := *d
	cp.setDefaults("")
	if err := cp.check(); err != nil {
		return err
	}
	r.mu.Lock()
	r.datasets[cp.ID] = &cp
	r.mu.Unlock()
	return nil
}

// Remove deletes a dataset if present.
func (r *MemRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.datasets, id)
	r.mu.Unlock()
}

func (r *MemRegistry) GetDataset(id string) (*Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, found := r.datasets[id]
	if !found {
		return nil, mosaic.NewError(mosaic.DatasetNotFound, "no dataset %q", id)
	}
	cp := *d
	return &cp, nil
}

func (r *MemRegistry) ListDatasets() ([]*Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedCopies(r.datasets), nil
}

func sortedCopies(m map[string]*Dataset) []*Dataset {
	list := make([]*Dataset, 0, len(m))
	for _, d := range m {
		cp := *d
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

const catalogSchema = `{
  "type": "object",
  "required": ["datasets"],
  "properties": {
    "datasets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "width", "height", "store"],
        "additionalProperties": false,
        "properties": {
          "id":           {"type": "string", "minLength": 1},
          "name":         {"type": "string"},
          "width":        {"type": "integer", "minimum": 1},
          "height":       {"type": "integer", "minimum": 1},
          "store":        {"enum": ["packed", "legacy", "none"]},
          "archivePath":  {"type": "string"},
          "tileRoot":     {"type": "string"},
          "tileSize":     {"type": "integer", "minimum": 16},
          "overlap":      {"type": "integer", "minimum": 0},
          "tileFormat":   {"enum": ["jpg", "jpeg", "png", "webp"]},
          "sourceFormat": {"type": "string"}
        }
      }
    }
  }
}`

var compiledCatalogSchema = jsonschema.MustCompileString("catalog.json", catalogSchema)

type catalog struct {
	Datasets []*Dataset `json:"datasets"`
}

// FileRegistry serves datasets from a JSON catalog file of the form
//
//	{"datasets": [{"id": "mola", "width": 46080, "height": 23040, "store": "packed",
//	               "archivePath": "mola.mpr"}, ...]}
//
// Relative paths are resolved against the catalog's directory.  The catalog is
// reloaded whenever its modification time changes; if a reload fails the
// previous catalog stays in use.
type FileRegistry struct {
	path string

	mu       sync.RWMutex
	modTime  time.Time
	datasets map[string]*Dataset
}

// NewFileRegistry loads the catalog at path.
func NewFileRegistry(path string) (*FileRegistry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.InvalidArgument, err, "catalog path %s", path)
	}
	r := &FileRegistry{path: abs}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "catalog %s", abs)
	}
	if err := r.load(fi.ModTime()); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the absolute catalog path.
func (r *FileRegistry) Path() string {
	return r.path
}

// ParseCatalog validates and decodes a catalog.  Relative paths are resolved
// against dir if it is non-empty.
func ParseCatalog(data []byte, dir string) ([]*Dataset, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, mosaic.WrapError(mosaic.InvalidArgument, err, "catalog is not JSON")
	}
	if err := compiledCatalogSchema.Validate(v); err != nil {
		return nil, mosaic.WrapError(mosaic.InvalidArgument, err, "catalog does not match schema")
	}
	var c catalog
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&c); err != nil {
		return nil, mosaic.WrapError(mosaic.InvalidArgument, err, "decoding catalog")
	}
	seen := make(map[string]bool, len(c.Datasets))
	for _, d := range c.Datasets {
		d.setDefaults(dir)
		if err := d.check(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, mosaic.NewError(mosaic.InvalidArgument, "dataset %q listed twice", d.ID)
		}
		seen[d.ID] = true
	}
	return c.Datasets, nil
}

func (r *FileRegistry) load(modTime time.Time) error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "catalog %s", r.path)
	}
	list, err := ParseCatalog(data, filepath.Dir(r.path))
	if err != nil {
		return err
	}
	datasets := make(map[string]*Dataset, len(list))
	for _, d := range list {
		datasets[d.ID] = d
	}
	r.mu.Lock()
	r.datasets = datasets
	r.modTime = modTime
	r.mu.Unlock()
	mosaic.Infof("Loaded %d datasets from catalog %s\n", len(datasets), r.path)
	return nil
}

// refresh reloads the catalog if the file changed since the last load.
func (r *FileRegistry) refresh() {
	fi, err := os.Stat(r.path)
	if err != nil {
		mosaic.Warningf("Catalog %s unavailable, keeping previous datasets: %v\n", r.path, err)
		return
	}
	r.mu.RLock()
	unchanged := fi.ModTime().Equal(r.modTime)
	r.mu.RUnlock()
	if unchanged {
		return
	}
	if err := r.load(fi.ModTime()); err != nil {
		mosaic.Errorf("Reload of catalog %s failed, keeping previous datasets: %v\n", r.path, err)
	}
}

func (r *FileRegistry) GetDataset(id string) (*Dataset, error) {
	r.refresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, found := r.datasets[id]
	if !found {
		return nil, mosaic.NewError(mosaic.DatasetNotFound, "no dataset %q in catalog %s", id, r.path)
	}
	cp := *d
	return &cp, nil
}

func (r *FileRegistry) ListDatasets() ([]*Dataset, error) {
	r.refresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedCopies(r.datasets), nil
}
