// Package catalog holds the static description of funnel sections: which phase
// each section belongs to, where each field lives inside a section document for
// every content shape version, and how fields map onto external record keys.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"funnelsync/api/internal/content"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

type Phase struct {
	Number int    `yaml:"number" json:"number,omitempty"`
	Name   string `yaml:"name" json:"name,omitempty"`
}

type FieldSync struct {
	Key  string `yaml:"key" json:"key,omitempty"`
	Skip bool   `yaml:"skip" json:"skip,omitempty"`
}

type Field struct {
	ID        string    `yaml:"id" json:"id,omitempty"`
	Normalize string    `yaml:"normalize" json:"normalize,omitempty"`
	Sync      FieldSync `yaml:"sync" json:"sync,omitempty"`
}

// Shape is one historical nesting layout of a section document.
type Shape struct {
	Version int               `yaml:"version" json:"version,omitempty"`
	Paths   map[string]string `yaml:"paths" json:"paths,omitempty"`
}

type Section struct {
	ID        string   `yaml:"id" json:"id,omitempty"`
	Title     string   `yaml:"title" json:"title,omitempty"`
	Phase     int      `yaml:"phase" json:"phase,omitempty"`
	DependsOn []string `yaml:"dependsOn" json:"dependsOn,omitempty"`
	Fields    []Field  `yaml:"fields" json:"fields,omitempty"`
	Shapes    []Shape  `yaml:"shapes" json:"shapes,omitempty"`
}

type Catalog struct {
	SyncPrefixes []string  `yaml:"syncPrefixes" json:"syncPrefixes,omitempty"`
	Phases       []Phase   `yaml:"phases" json:"phases,omitempty"`
	Sections     []Section `yaml:"sections" json:"sections,omitempty"`

	byID map[string]*Section
}

// Default returns the embedded catalog.
func Default() *Catalog {
	cat, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return cat
}

// Load reads a catalog file, or returns the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := cat.index(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) index() error {
	phases := make(map[int]bool, len(c.Phases))
	for _, phase := range c.Phases {
		if phase.Number <= 0 {
			return fmt.Errorf("catalog: phase number must be positive, got %d", phase.Number)
		}
		if phases[phase.Number] {
			return fmt.Errorf("catalog: duplicate phase %d", phase.Number)
		}
		phases[phase.Number] = true
	}
	sort.SliceStable(c.Phases, func(i, j int) bool { return c.Phases[i].Number < c.Phases[j].Number })

	c.byID = make(map[string]*Section, len(c.Sections))
	for i := range c.Sections {
		section := &c.Sections[i]
		if section.ID == "" {
			return fmt.Errorf("catalog: section %d has no id", i)
		}
		if _, dup := c.byID[section.ID]; dup {
			return fmt.Errorf("catalog: duplicate section %s", section.ID)
		}
		if !phases[section.Phase] {
			return fmt.Errorf("catalog: section %s references unknown phase %d", section.ID, section.Phase)
		}
		versions := make(map[int]bool, len(section.Shapes))
		for _, shape := range section.Shapes {
			if shape.Version <= 0 || versions[shape.Version] {
				return fmt.Errorf("catalog: section %s has invalid or duplicate shape version %d", section.ID, shape.Version)
			}
			versions[shape.Version] = true
		}
		sort.SliceStable(section.Shapes, func(a, b int) bool { return section.Shapes[a].Version < section.Shapes[b].Version })
		c.byID[section.ID] = section
	}

	for _, section := range c.Sections {
		for _, upstream := range section.DependsOn {
			if _, ok := c.byID[upstream]; !ok {
				return fmt.Errorf("catalog: section %s depends on unknown section %s", section.ID, upstream)
			}
		}
	}

	sort.SliceStable(c.SyncPrefixes, func(i, j int) bool { return len(c.SyncPrefixes[i]) > len(c.SyncPrefixes[j]) })
	return nil
}

// Section returns the catalog entry for id.
func (c *Catalog) Section(id string) (*Section, bool) {
	section, ok := c.byID[id]
	return section, ok
}

// Resolve returns the catalog entry for id, or a shapeless entry in phase 0 for
// sections the catalog does not know. Shapeless sections store fields at their
// dotted field id.
func (c *Catalog) Resolve(id string) *Section {
	if section, ok := c.byID[id]; ok {
		return section
	}
	return &Section{ID: id}
}

// PhaseOf returns the phase a section belongs to, or 0 when unknown.
func (c *Catalog) PhaseOf(sectionID string) int {
	if section, ok := c.byID[sectionID]; ok {
		return section.Phase
	}
	return 0
}

func (c *Catalog) PhaseNumbers() []int {
	numbers := make([]int, 0, len(c.Phases))
	for _, phase := range c.Phases {
		numbers = append(numbers, phase.Number)
	}
	return numbers
}

// PhaseSections lists section ids assigned to phase n in catalog order.
func (c *Catalog) PhaseSections(n int) []string {
	ids := make([]string, 0)
	for _, section := range c.Sections {
		if section.Phase == n {
			ids = append(ids, section.ID)
		}
	}
	return ids
}

func (c *Catalog) SectionIDs() []string {
	ids := make([]string, 0, len(c.Sections))
	for _, section := range c.Sections {
		ids = append(ids, section.ID)
	}
	return ids
}

// Dependents returns every section that transitively depends on id, in
// breadth-first discovery order.
func (c *Catalog) Dependents(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	result := make([]string, 0)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, section := range c.Sections {
			if seen[section.ID] {
				continue
			}
			for _, upstream := range section.DependsOn {
				if upstream == current {
					seen[section.ID] = true
					result = append(result, section.ID)
					queue = append(queue, section.ID)
					break
				}
			}
		}
	}
	return result
}

func (s *Section) Field(id string) (Field, bool) {
	for _, field := range s.Fields {
		if field.ID == id {
			return field, true
		}
	}
	return Field{}, false
}

// CurrentVersion is the newest shape version, or 1 for shapeless sections.
func (s *Section) CurrentVersion() int {
	if len(s.Shapes) == 0 {
		return 1
	}
	return s.Shapes[len(s.Shapes)-1].Version
}

func (s *Section) shape(version int) (Shape, bool) {
	for _, shape := range s.Shapes {
		if shape.Version == version {
			return shape, true
		}
	}
	return Shape{}, false
}

// PathFor returns where fieldID lives in the given shape version.
func (s *Section) PathFor(fieldID string, version int) (string, bool) {
	shape, ok := s.shape(version)
	if !ok {
		return "", false
	}
	path, ok := shape.Paths[fieldID]
	return path, ok && path != ""
}

// CandidatePaths lists every path fieldID has had, newest shape first. A field
// that no shape places falls back to its dotted id.
func (s *Section) CandidatePaths(fieldID string) []string {
	paths := make([]string, 0, len(s.Shapes))
	seen := make(map[string]bool, len(s.Shapes))
	for i := len(s.Shapes) - 1; i >= 0; i-- {
		path := s.Shapes[i].Paths[fieldID]
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		paths = append(paths, fieldID)
	}
	return paths
}

// ClaimedPaths lists every path any shape assigns to a field.
func (s *Section) ClaimedPaths() map[string]string {
	claimed := make(map[string]string)
	for _, shape := range s.Shapes {
		for fieldID, path := range shape.Paths {
			if path != "" {
				claimed[path] = fieldID
			}
		}
	}
	return claimed
}

// FieldIDs lists declared fields followed by fields only named in shapes, sorted.
func (s *Section) FieldIDs() []string {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(s.Fields))
	for _, field := range s.Fields {
		if !seen[field.ID] {
			seen[field.ID] = true
			ids = append(ids, field.ID)
		}
	}
	extra := make([]string, 0)
	for _, shape := range s.Shapes {
		for fieldID := range shape.Paths {
			if !seen[fieldID] {
				seen[fieldID] = true
				extra = append(extra, fieldID)
			}
		}
	}
	sort.Strings(extra)
	return append(ids, extra...)
}

// DetectVersion returns the newest shape with at least one of its paths present
// in doc. Empty documents and shapeless sections report the current version.
func (s *Section) DetectVersion(doc content.Record) int {
	if len(doc) == 0 {
		return s.CurrentVersion()
	}
	for i := len(s.Shapes) - 1; i >= 0; i-- {
		for _, path := range s.Shapes[i].Paths {
			if path != "" && doc.Has(path) {
				return s.Shapes[i].Version
			}
		}
	}
	return s.CurrentVersion()
}

// SyncKey is the logical external key for a field; empty when the field is not pushed.
func (s *Section) SyncKey(fieldID string) string {
	field, ok := s.Field(fieldID)
	if !ok {
		return fieldID
	}
	if field.Sync.Skip {
		return ""
	}
	if field.Sync.Key != "" {
		return field.Sync.Key
	}
	return fieldID
}

func (s *Section) Normalizer(fieldID string) string {
	field, _ := s.Field(fieldID)
	return field.Normalize
}
