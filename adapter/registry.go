package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/runbox/config"
)

// Registry is the process-wide, read-only table of language adapters
type Registry struct {
	adapters map[string]LanguageAdapter
	ids      []string
}

// NewRegistry validates defs and builds a registry from them. Later
// definitions with the same id replace earlier ones.
func NewRegistry(defs ...LanguageAdapter) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]LanguageAdapter, len(defs)),
	}

	for _, def := range defs {
		if err := Validate(def); err != nil {
			return nil, err
		}
		r.adapters[def.ID] = def.clone()
	}

	if len(r.adapters) == 0 {
		return nil, errors.New("no language adapters registered")
	}

	r.ids = make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)

	return r, nil
}

// NewRegistryFromConfig layers the built-in definitions, the languages
// section of cfg and the files in cfg.AdaptersDir, in that order.
func NewRegistryFromConfig(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	merged := make(map[string]LanguageAdapter)
	order := []string{}
	put := func(def LanguageAdapter) {
		if _, ok := merged[def.ID]; !ok {
			order = append(order, def.ID)
		}
		merged[def.ID] = def
	}

	for _, def := range Defaults() {
		put(def)
	}

	for id, lang := range cfg.Languages {
		put(overlay(merged[id], id, lang))
	}

	if cfg.AdaptersDir != "" {
		defs, err := LoadDir(cfg.AdaptersDir)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			put(def)
		}
	}

	defs := make([]LanguageAdapter, 0, len(order))
	for _, id := range order {
		defs = append(defs, merged[id])
	}

	r, err := NewRegistry(defs...)
	if err != nil {
		return nil, err
	}

	logger.Info("language adapters loaded", zap.Strings("languages", r.IDs()))
	for _, a := range r.List() {
		logger.Debug("language adapter",
			zap.String("id", a.ID),
			zap.String("image", a.BaseImage),
			zap.String("source", a.SourceFileName),
			zap.String("build", a.BuildCommand),
			zap.String("run", a.RunCommand))
	}

	return r, nil
}

// overlay applies the non-empty fields of lang on top of base
func overlay(base LanguageAdapter, id string, lang config.Language) LanguageAdapter {
	base.ID = id
	if lang.Image != "" {
		base.BaseImage = lang.Image
	}
	if lang.SourceFileName != "" {
		base.SourceFileName = lang.SourceFileName
	}
	if lang.BuildCommand != "" {
		base.BuildCommand = lang.BuildCommand
	}
	if lang.RunCommand != "" {
		base.RunCommand = lang.RunCommand
	}
	if len(lang.Environment) > 0 {
		env := make(map[string]string, len(base.Environment)+len(lang.Environment))
		for k, v := range base.Environment {
			env[k] = v
		}
		for k, v := range lang.Environment {
			// viper lowercases map keys; environment names are conventionally upper case
			env[strings.ToUpper(k)] = v
		}
		base.Environment = env
	}
	return base
}

// LoadDir reads every *.yaml and *.yml file in dir as one adapter
// definition. A definition without an id takes its id from the file name.
func LoadDir(dir string) ([]LanguageAdapter, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapters dir: %w", err)
	}

	var defs []LanguageAdapter
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read adapter %s: %w", path, err)
		}

		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", path, err)
		}

		fileID := strings.TrimSuffix(entry.Name(), ext)
		if def.ID == "" {
			def.ID = fileID
		}
		if def.ID != fileID {
			return nil, fmt.Errorf("%w: %s declares id %q", ErrInvalidAdapter, path, def.ID)
		}

		defs = append(defs, def)
	}

	return defs, nil
}

// Parse decodes a single YAML adapter definition. Unknown fields are errors.
func Parse(data []byte) (LanguageAdapter, error) {
	var def LanguageAdapter

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return LanguageAdapter{}, fmt.Errorf("%w: empty document", ErrInvalidAdapter)
		}
		return LanguageAdapter{}, fmt.Errorf("%w: %v", ErrInvalidAdapter, err)
	}

	return def, nil
}

// Resolve returns the adapter registered for id
func (r *Registry) Resolve(id string) (LanguageAdapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return LanguageAdapter{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

// List returns all adapters sorted by id
func (r *Registry) List() []LanguageAdapter {
	out := make([]LanguageAdapter, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.adapters[id].clone())
	}
	return out
}

// IDs returns the registered language ids in sorted order
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Images returns the distinct base images of all adapters
func (r *Registry) Images() []string {
	seen := make(map[string]bool, len(r.ids))
	var images []string
	for _, id := range r.ids {
		img := r.adapters[id].BaseImage
		if !seen[img] {
			seen[img] = true
			images = append(images, img)
		}
	}
	return images
}
