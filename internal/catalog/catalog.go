// Package catalog loads the immutable platform catalogue used by the matcher,
// resolver, and aggregator.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/firstmover/internal/model"
)

//go:embed platforms.yaml
var defaultCatalogue []byte

// Catalog is a read-only, indexed set of platforms. It is safe for concurrent
// use because nothing mutates it after construction.
type Catalog struct {
	platforms []model.Platform
	byID      map[string]int
}

type fileRule struct {
	ID              string   `yaml:"id"`
	Weight          float64  `yaml:"weight"`
	SenderDomains   []string `yaml:"sender_domains"`
	SenderAddresses []string `yaml:"sender_addresses"`
	SubjectPatterns []string `yaml:"subject_patterns"`
	Keywords        []string `yaml:"keywords"`
}

type filePlatform struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	LaunchDate string     `yaml:"launch_date"`
	Mode       string     `yaml:"mode"`
	Rules      []fileRule `yaml:"rules"`
}

type file struct {
	Platforms []filePlatform `yaml:"platforms"`
}

// Default returns the catalogue compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogue)
}

// Load reads a catalogue from a YAML file. An empty path loads the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read file")
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "catalog: unmarshal")
	}

	platforms := make([]model.Platform, 0, len(f.Platforms))
	for _, fp := range f.Platforms {
		p, err := fp.toModel()
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, p)
	}
	return New(platforms)
}

// New validates platforms and builds a Catalog. Rules are sorted by
// descending weight, ties broken by rule ID so ordering is stable.
func New(platforms []model.Platform) (*Catalog, error) {
	if len(platforms) == 0 {
		return nil, eris.New("catalog: no platforms defined")
	}

	c := &Catalog{
		platforms: make([]model.Platform, 0, len(platforms)),
		byID:      make(map[string]int, len(platforms)),
	}

	var errs []string
	for _, p := range platforms {
		if p.ID == "" {
			errs = append(errs, "platform with empty id")
			continue
		}
		if _, dup := c.byID[p.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate platform %q", p.ID))
			continue
		}
		if p.LaunchDate.IsZero() {
			errs = append(errs, fmt.Sprintf("%s: launch_date is required", p.ID))
		}
		if p.Mode == "" {
			p.Mode = model.MatchWelcome
		}
		if p.Mode != model.MatchWelcome && p.Mode != model.MatchOldest {
			errs = append(errs, fmt.Sprintf("%s: unknown mode %q", p.ID, p.Mode))
		}
		if len(p.Rules) == 0 {
			errs = append(errs, fmt.Sprintf("%s: at least one rule is required", p.ID))
		}
		for _, r := range p.Rules {
			errs = append(errs, validateRule(p.ID, r)...)
		}

		p.Rules = slices.Clone(p.Rules)
		slices.SortStableFunc(p.Rules, func(a, b model.Rule) int {
			switch {
			case a.Weight > b.Weight:
				return -1
			case a.Weight < b.Weight:
				return 1
			default:
				return strings.Compare(a.ID, b.ID)
			}
		})

		c.byID[p.ID] = len(c.platforms)
		c.platforms = append(c.platforms, p)
	}

	if len(errs) > 0 {
		return nil, eris.Errorf("catalog: validation failed: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

func validateRule(platformID string, r model.Rule) []string {
	var errs []string
	if r.ID == "" {
		errs = append(errs, fmt.Sprintf("%s: rule with empty id", platformID))
	}
	if r.Weight <= 0 || r.Weight > 1 {
		errs = append(errs, fmt.Sprintf("%s/%s: weight must be in (0, 1]", platformID, r.ID))
	}
	for _, pat := range r.SubjectPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			errs = append(errs, fmt.Sprintf("%s/%s: bad subject pattern %q", platformID, r.ID, pat))
		}
	}
	return errs
}

func (fp filePlatform) toModel() (model.Platform, error) {
	p := model.Platform{
		ID:   fp.ID,
		Name: fp.Name,
		Mode: model.MatchMode(fp.Mode),
	}
	if fp.LaunchDate != "" {
		d, err := time.Parse(time.DateOnly, fp.LaunchDate)
		if err != nil {
			return p, eris.Wrapf(err, "catalog: %s: parse launch_date", fp.ID)
		}
		p.LaunchDate = d
	}
	for _, fr := range fp.Rules {
		p.Rules = append(p.Rules, model.Rule{
			ID:              fr.ID,
			Weight:          fr.Weight,
			SenderDomains:   lower(fr.SenderDomains),
			SenderAddresses: lower(fr.SenderAddresses),
			SubjectPatterns: fr.SubjectPatterns,
			Keywords:        fr.Keywords,
		})
	}
	return p, nil
}

func lower(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// Platforms returns the platforms in catalogue order. The returned slice is a
// copy; platforms themselves share rule slices and must not be modified.
func (c *Catalog) Platforms() []model.Platform {
	return slices.Clone(c.platforms)
}

// Get returns the platform with the given ID.
func (c *Catalog) Get(id string) (model.Platform, bool) {
	i, ok := c.byID[id]
	if !ok {
		return model.Platform{}, false
	}
	return c.platforms[i], true
}

// Len returns the number of platforms.
func (c *Catalog) Len() int {
	return len(c.platforms)
}

// IDs returns platform IDs in catalogue order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.platforms))
	for i, p := range c.platforms {
		ids[i] = p.ID
	}
	return ids
}
