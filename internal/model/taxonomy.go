package model

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Category is one entry in the classification vocabulary.
type Category struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Taxonomy is the closed set of categories the classify phase may assign.
type Taxonomy struct {
	Categories []Category `yaml:"categories" json:"categories"`
}

// DefaultTaxonomy returns the built-in vocabulary used when no taxonomy file
// is configured.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{Categories: []Category{
		{ID: "study", Name: "Study", Description: "Peer-reviewed study or preprint with methods and findings"},
		{ID: "report", Name: "Report", Description: "Institutional or governmental report, whitepaper, or review"},
		{ID: "dataset", Name: "Dataset", Description: "Dataset, data portal, or statistical release"},
		{ID: "news", Name: "News", Description: "Journalistic coverage of the topic"},
		{ID: "commentary", Name: "Commentary", Description: "Opinion, blog post, or editorial"},
		{ID: "reference", Name: "Reference", Description: "Encyclopedic or documentation page"},
		{ID: "other", Name: "Other", Description: "On-topic page fitting none of the above"},
	}}
}

// LoadTaxonomy reads a YAML taxonomy file. Empty path returns the default.
func LoadTaxonomy(path string) (Taxonomy, error) {
	if path == "" {
		return DefaultTaxonomy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Taxonomy{}, eris.Wrapf(err, "model: read taxonomy %s", path)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Taxonomy{}, eris.Wrapf(err, "model: parse taxonomy %s", path)
	}
	if err := t.check(); err != nil {
		return Taxonomy{}, err
	}
	return t, nil
}

func (t Taxonomy) check() error {
	if len(t.Categories) == 0 {
		return eris.New("model: taxonomy has no categories")
	}
	seen := make(map[string]bool, len(t.Categories))
	for _, c := range t.Categories {
		if c.ID == "" {
			return eris.New("model: taxonomy category with empty id")
		}
		if seen[c.ID] {
			return eris.Errorf("model: duplicate taxonomy category %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// Has reports whether id names a known category.
func (t Taxonomy) Has(id string) bool {
	for _, c := range t.Categories {
		if c.ID == id {
			return true
		}
	}
	return false
}

// IDs returns the category ids in declaration order.
func (t Taxonomy) IDs() []string {
	ids := make([]string, len(t.Categories))
	for i, c := range t.Categories {
		ids[i] = c.ID
	}
	return ids
}

// Describe renders the taxonomy as one line per category for prompt text.
func (t Taxonomy) Describe() string {
	var b strings.Builder
	for _, c := range t.Categories {
		fmt.Fprintf(&b, "- %s: %s\n", c.ID, c.Description)
	}
	return b.String()
}
