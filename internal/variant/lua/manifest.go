package lua

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/rtosview/internal/renderer/table"
)

// ManifestColumn declares one display column.
type ManifestColumn struct {
	Field   string  `yaml:"field"`
	Width   float64 `yaml:"width"`
	Header1 string  `yaml:"header1"`
	Header2 string  `yaml:"header2"`
}

// Manifest describes a scripted variant.
//
//	name: FreeRTOS
//	script: freertos.lua
//	fill_byte: 0xa5
//	columns:
//	  - {field: Name, width: 4, header1: Name}
//	  - {field: StackStart, width: 3, header1: Stack, header2: Start}
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Script is the path of the Lua source, relative to the manifest.
	Script string `yaml:"script"`
	// Source is inline Lua source, used when Script is empty.
	Source  string           `yaml:"source"`
	Columns []ManifestColumn `yaml:"columns"`
	// FillByte is the pattern the kernel paints new stacks with. When set,
	// stacks with a known size are captured to compute peak usage.
	FillByte *uint8 `yaml:"fill_byte"`

	// Path is where the manifest was read from.
	Path string `yaml:"-"`
}

// ParseManifest decodes and validates a manifest. path resolves a
// relative Script and labels errors.
func ParseManifest(path string, data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	m.Path = path
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(path, data)
}

// LoadDir reads every *.yaml and *.yml manifest in dir. When enabled is
// non-empty only those names are returned, in that order; otherwise all
// manifests are returned sorted by file name. Invalid manifests are
// reported together.
func LoadDir(dir string, enabled []string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var manifests []*Manifest
	var errs []error
	for _, name := range names {
		m, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		manifests = append(manifests, m)
	}

	if len(enabled) > 0 {
		byName := make(map[string]*Manifest, len(manifests))
		for _, m := range manifests {
			byName[m.Name] = m
		}
		selected := make([]*Manifest, 0, len(enabled))
		for _, name := range enabled {
			m, ok := byName[name]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: enabled variant %q not found in %s", ErrInvalidManifest, name, dir))
				continue
			}
			selected = append(selected, m)
		}
		manifests = selected
	}

	return manifests, errors.Join(errs...)
}

// Validate checks required fields.
func (m *Manifest) Validate() error {
	var problems []string
	if strings.TrimSpace(m.Name) == "" {
		problems = append(problems, "name is required")
	}
	if m.Script == "" && m.Source == "" {
		problems = append(problems, "one of script or source is required")
	}
	if len(m.Columns) == 0 {
		problems = append(problems, "at least one column is required")
	}
	seen := make(map[string]bool)
	for i, c := range m.Columns {
		switch {
		case c.Field == "":
			problems = append(problems, fmt.Sprintf("column %d: field is required", i+1))
		case seen[c.Field]:
			problems = append(problems, fmt.Sprintf("column %q declared twice", c.Field))
		case c.Width < 0:
			problems = append(problems, fmt.Sprintf("column %q: width must not be negative", c.Field))
		}
		seen[c.Field] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrInvalidManifest, m.label(), strings.Join(problems, "; "))
	}
	return nil
}

func (m *Manifest) label() string {
	if m.Path != "" {
		return m.Path
	}
	return m.Name
}

// Fields returns the column fields in display order.
func (m *Manifest) Fields() []string {
	fields := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		fields[i] = c.Field
	}
	return fields
}

// Schema returns the column declarations keyed by field. A column
// without a header is labeled with its field name.
func (m *Manifest) Schema() table.Schema {
	schema := make(table.Schema, len(m.Columns))
	for _, c := range m.Columns {
		header := c.Header1
		if header == "" {
			header = c.Field
		}
		schema[c.Field] = table.Column{Width: c.Width, Header1: header, Header2: c.Header2}
	}
	return schema
}

// LoadSource returns the Lua source.
func (m *Manifest) LoadSource() (string, error) {
	if m.Script == "" {
		return m.Source, nil
	}
	path := m.Script
	if !filepath.IsAbs(path) && m.Path != "" {
		path = filepath.Join(filepath.Dir(m.Path), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load script for %s: %w", m.Name, err)
	}
	return string(data), nil
}

// HasColumn reports whether field is displayed.
func (m *Manifest) HasColumn(field string) bool {
	return slices.ContainsFunc(m.Columns, func(c ManifestColumn) bool { return c.Field == field })
}
