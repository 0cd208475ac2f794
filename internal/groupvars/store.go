// Package groupvars loads, migrates, and saves per-service
// configuration stored under <deploy>/group_vars/<service>/.
//
// A service's settings are the shallow merge of every YAML file in its
// directory, loaded in filename order with one exception: the override
// file always merges last so operator-authored keys win. Legacy
// single-file layouts (group_vars/<service>.yml and friends) are moved
// into the service directory before loading, renamed so Ansible no
// longer picks them up at their old location.
package groupvars

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"stackwizard/internal/domain"
)

// OverrideFile holds the keys written by the editor. It merges last,
// taking precedence over every other file in the service directory.
// The misspelling is the established on-disk contract.
const OverrideFile = "wizzard.yml"

const groupVarsDir = "group_vars"

// Store reads and writes service configuration below one deploy
// directory.
type Store struct {
	base string
	log  *log.Logger
}

// New returns a Store rooted at the deploy directory basePath. A nil
// logger uses the default logger.
func New(basePath string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{base: basePath, log: logger}
}

type legacyMove struct {
	from string
	to   string // filename inside the service directory
}

// legacyMoves lists the pre-directory-layout file locations for a
// service and the name each takes after migration.
func legacyMoves(groupVars, service string) []legacyMove {
	if service == "all" {
		return []legacyMove{
			{filepath.Join(groupVars, "all.yml"), "vars.yml"},
			{filepath.Join(groupVars, "all.yaml"), "vars.yml"},
		}
	}
	names := []string{
		service + ".yml",
		service + ".yaml",
		service + "_all.yml",
		service + "_all.yaml",
	}
	moves := make([]legacyMove, 0, len(names))
	for _, name := range names {
		moves = append(moves, legacyMove{filepath.Join(groupVars, name), "migrated_" + name})
	}
	return moves
}

// LoadService migrates any legacy files for the service, then merges
// every YAML file in its directory into one mapping. It returns the
// merged configuration and the destination paths of files migrated
// during this call. Migration is idempotent: once moved, a second load
// is a pure read.
//
// Any filesystem or parse failure aborts the whole load; no partial
// merge is returned.
func (s *Store) LoadService(service string) (map[string]any, []string, error) {
	groupVars := filepath.Join(s.base, groupVarsDir)
	serviceDir := filepath.Join(groupVars, service)
	if err := os.MkdirAll(serviceDir, 0o755); err != nil {
		return nil, nil, &domain.IOFailure{Op: "write", Path: serviceDir, Err: err}
	}

	var migrated []string
	for _, mv := range legacyMoves(groupVars, service) {
		if _, err := os.Stat(mv.from); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, nil, &domain.IOFailure{Op: "read", Path: mv.from, Err: err}
		}
		dest := filepath.Join(serviceDir, mv.to)
		if err := os.Rename(mv.from, dest); err != nil {
			return nil, nil, &domain.IOFailure{Op: "move", Path: mv.from, Err: err}
		}
		s.log.Info("migrated legacy service file", "service", service, "from", mv.from, "to", dest)
		migrated = append(migrated, dest)
	}

	entries, err := os.ReadDir(serviceDir)
	if err != nil {
		return nil, nil, &domain.IOFailure{Op: "read", Path: serviceDir, Err: err}
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && isYAML(entry.Name()) {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	// The override file merges last regardless of alphabetical position.
	if i := slices.Index(files, OverrideFile); i >= 0 {
		files = append(slices.Delete(files, i, i+1), OverrideFile)
	}

	merged := map[string]any{}
	for _, name := range files {
		path := filepath.Join(serviceDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, &domain.IOFailure{Op: "read", Path: path, Err: err}
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, nil, &domain.IOFailure{Op: "parse", Path: path, Err: err}
		}
		for k, v := range doc {
			merged[k] = v
		}
	}
	return merged, migrated, nil
}

// SaveService writes data to the service's override file, creating
// parent directories as needed. The other per-service files are never
// touched, so keys defined only in them survive every save.
func (s *Store) SaveService(service string, data map[string]any) error {
	dir := filepath.Join(s.base, groupVarsDir, service)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.IOFailure{Op: "write", Path: dir, Err: err}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	err := enc.Encode(data)
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	path := filepath.Join(dir, OverrideFile)
	if err != nil {
		return &domain.IOFailure{Op: "write", Path: path, Err: err}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return &domain.IOFailure{Op: "write", Path: path, Err: err}
	}
	return nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}
