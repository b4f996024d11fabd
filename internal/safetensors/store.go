package safetensors

import (
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/emberml/ember/internal/fault"
)

// IndexFileName is the optional per-directory index mapping tensor names to
// their owning container file.
const IndexFileName = "model.safetensors.index.json"

// Tensor is one materialized weight: a shape and its float32 values.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Store is the merged name-to-tensor mapping built from one or more
// containers. It lives as long as the bound model graph and is released on
// unload.
type Store struct {
	tensors map[string]Tensor

	// Duplicates lists tensor names that appeared in more than one
	// container; the later file won. Valid model directories never hit this.
	Duplicates []string
}

// NewStore builds a Store from already-materialized tensors.
func NewStore(tensors map[string]Tensor) *Store {
	if tensors == nil {
		tensors = make(map[string]Tensor)
	}
	return &Store{tensors: tensors}
}

// LoadDir loads every container the directory's index names, or all
// *.safetensors files when no index is present. progress, if non-nil, is
// invoked after each container with (filesDone, filesTotal).
func LoadDir(dir string, progress func(done, total int)) (*Store, error) {
	paths, err := containerPaths(dir)
	if err != nil {
		return nil, err
	}
	return LoadFiles(paths, progress)
}

// LoadFiles merges the given containers in order into a single Store.
func LoadFiles(paths []string, progress func(done, total int)) (*Store, error) {
	if len(paths) == 0 {
		return nil, fault.Formatf("", "no weight container files found")
	}
	store := &Store{tensors: make(map[string]Tensor)}
	for i, path := range paths {
		f, err := Open(path)
		if err != nil {
			return nil, err
		}
		for name := range f.Tensors {
			data, blob, err := f.Decode(name)
			if err != nil {
				_ = f.Close()
				return nil, err
			}
			if _, exists := store.tensors[name]; exists {
				store.Duplicates = append(store.Duplicates, name)
			}
			store.tensors[name] = Tensor{Shape: append([]int(nil), blob.Shape...), Data: data}
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(i+1, len(paths))
		}
	}
	sort.Strings(store.Duplicates)
	return store, nil
}

// Lookup returns the named tensor.
func (s *Store) Lookup(name string) (Tensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// Len returns the number of distinct tensors in the store.
func (s *Store) Len() int { return len(s.tensors) }

// Names returns all tensor names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.tensors))
	for name := range s.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Release drops all materialized tensors.
func (s *Store) Release() {
	s.tensors = nil
}

type indexFile struct {
	WeightMap map[string]string `json:"weight_map"`
}

func containerPaths(dir string) ([]string, error) {
	indexPath := filepath.Join(dir, IndexFileName)
	if raw, err := os.ReadFile(indexPath); err == nil {
		var idx indexFile
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fault.Formatf(IndexFileName, "not valid JSON: %v", err)
		}
		if len(idx.WeightMap) == 0 {
			return nil, fault.Formatf(IndexFileName, "empty weight_map")
		}
		seen := make(map[string]bool)
		var paths []string
		for _, file := range idx.WeightMap {
			if !seen[file] {
				seen[file] = true
				paths = append(paths, filepath.Join(dir, file))
			}
		}
		sort.Strings(paths)
		return paths, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
