package sms

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// DefaultTemplateID is used when a business has no template configured.
const DefaultTemplateID = "lawncare_v1"

const defaultThreshold = 0.7

type FieldSpec struct {
	Threshold float64 `yaml:"threshold"`
	Prompt    string  `yaml:"prompt"`
	Clarify   string  `yaml:"clarify"`
}

type ServiceSpec struct {
	BasePrice          float64  `yaml:"base_price"`
	PricePer1000Sqft   float64  `yaml:"price_per_1000_sqft"`
	BaseMinutes        int      `yaml:"base_minutes"`
	MinutesPer1000Sqft float64  `yaml:"minutes_per_1000_sqft"`
	Skills             []string `yaml:"skills"`
	Equipment          []string `yaml:"equipment"`
	CrewSize           int      `yaml:"crew_size"`
}

// Template is one question flow: which fields to collect, in what order, and
// how collected answers turn into a price.
type Template struct {
	ID                   string                 `yaml:"id"`
	Required             []string               `yaml:"required"`
	Capture              []string               `yaml:"capture"`
	GeocodeMinConfidence float64                `yaml:"geocode_min_confidence"`
	SlotStartMinutes     []int                  `yaml:"slot_start_minutes"`
	Fields               map[string]FieldSpec   `yaml:"fields"`
	Services             map[string]ServiceSpec `yaml:"services"`
	FrequencyAdjustments map[string]float64     `yaml:"frequency_adjustments"`
	DefaultLotSqft       int                    `yaml:"default_lot_sqft"`
}

func (t Template) Threshold(field string) float64 {
	if f, ok := t.Fields[field]; ok && f.Threshold > 0 {
		return f.Threshold
	}
	return defaultThreshold
}

func (t Template) Prompt(field string) string {
	if f, ok := t.Fields[field]; ok && f.Prompt != "" {
		return f.Prompt
	}
	return fmt.Sprintf("Could you tell us your %s?", strings.ReplaceAll(field, "_", " "))
}

func (t Template) Clarify(field string) string {
	if f, ok := t.Fields[field]; ok && f.Clarify != "" {
		return f.Clarify
	}
	return t.Prompt(field)
}

func (t Template) validate() error {
	if t.ID == "" {
		return fmt.Errorf("template id required")
	}
	if len(t.Required) == 0 {
		return fmt.Errorf("template %s: required fields empty", t.ID)
	}
	if len(t.Services) == 0 {
		return fmt.Errorf("template %s: no services", t.ID)
	}
	return nil
}

type TemplateSet struct {
	byID map[string]Template
}

// LoadTemplates reads the built-in templates and then, when dir is not empty,
// every *.yaml file in dir. Files in dir replace built-ins with the same id.
func LoadTemplates(dir string) (*TemplateSet, error) {
	set := &TemplateSet{byID: map[string]Template{}}
	if err := set.loadFS(builtinTemplates, "templates"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(dir) != "" {
		if err := set.loadFS(os.DirFS(dir), "."); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// MustLoadBuiltin returns the embedded templates and panics on a malformed file.
func MustLoadBuiltin() *TemplateSet {
	set, err := LoadTemplates("")
	if err != nil {
		panic(err)
	}
	return set
}

func (s *TemplateSet) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("reading templates: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		raw, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return fmt.Errorf("reading template %s: %w", e.Name(), err)
		}
		var t Template
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("parsing template %s: %w", e.Name(), err)
		}
		if err := t.validate(); err != nil {
			return err
		}
		s.byID[t.ID] = t
	}
	return nil
}

func (s *TemplateSet) Get(id string) (Template, bool) {
	if id == "" {
		id = DefaultTemplateID
	}
	t, ok := s.byID[id]
	return t, ok
}

// Add registers or replaces a template. Used by tests and tooling.
func (s *TemplateSet) Add(t Template) error {
	if err := t.validate(); err != nil {
		return err
	}
	s.byID[t.ID] = t
	return nil
}
