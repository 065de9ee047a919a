package crawltypes

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

// Seed strategies. start-urls crawls outward from the supplied URL only;
// place-hubs requires the domain's verified hub pages to exist so the seed
// plan has geographic entry points; hybrid uses hubs when present.
const (
	SeedStartURLs = "start-urls"
	SeedPlaceHubs = "place-hubs"
	SeedHybrid    = "hybrid"
)

// Definition is one reusable crawl configuration loaded from a YAML file.
// Crawl requests reference a definition by ID; its values act as defaults
// underneath whatever the request sets explicitly.
type Definition struct {
	ID             string            `yaml:"id" json:"id" validate:"required"`
	Description    string            `yaml:"description" json:"description,omitempty"`
	SeedStrategy   string            `yaml:"seed_strategy" json:"seed_strategy,omitempty" validate:"omitempty,oneof=start-urls place-hubs hybrid"`
	StartURLs      []string          `yaml:"start_urls" json:"start_urls,omitempty" validate:"omitempty,dive,url"`
	AllowedDomains []string          `yaml:"allowed_domains" json:"allowed_domains,omitempty"`
	Category       string            `yaml:"category" json:"category,omitempty"`
	MaxPages       int               `yaml:"max_pages" json:"max_pages,omitempty" validate:"omitempty,min=1"`
	MaxDepth       int               `yaml:"max_depth" json:"max_depth,omitempty" validate:"omitempty,min=0"`
	Priority       int               `yaml:"priority" json:"priority,omitempty" validate:"omitempty,min=0"`
	Flags          map[string]string `yaml:"flags" json:"flags,omitempty"`
}

// Strategy returns the seed strategy, defaulting to start-urls
func (d *Definition) Strategy() string {
	if d.SeedStrategy == "" {
		return SeedStartURLs
	}
	return d.SeedStrategy
}

// DefaultSeedURL returns the definition's first start URL, used when a crawl
// request names the type but supplies no URL of its own.
func (d *Definition) DefaultSeedURL() string {
	if len(d.StartURLs) == 0 {
		return ""
	}
	return d.StartURLs[0]
}

// FlagValues coerces the definition's flag overrides through the same
// ParseFlagValue rules the CLI applies to --flag, so "true" and "16" land
// typed identically from either source.
func (d *Definition) FlagValues() map[string]interface{} {
	if len(d.Flags) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(d.Flags))
	for k, v := range d.Flags {
		out[k] = common.ParseFlagValue(v)
	}
	return out
}

// AllowsDomain reports whether a host falls inside the allowed domains. An
// empty list allows everything; subdomains of an allowed domain pass.
func (d *Definition) AllowsDomain(host string) bool {
	if len(d.AllowedDomains) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSpace(host))
	for _, allowed := range d.AllowedDomains {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// AllowsURL applies AllowsDomain to a URL's host. Unparseable URLs are not
// allowed; the caller validates URL shape separately and first.
func (d *Definition) AllowsURL(rawURL string) bool {
	host := models.HostOf(rawURL)
	if host == "" {
		return false
	}
	return d.AllowsDomain(host)
}

// Registry holds the definitions loaded at boot, keyed by ID
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from in-memory definitions. Tests and the
// programmatic API use this; the server loads from disk via Load.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, def := range defs {
		if def != nil && def.ID != "" {
			r.defs[def.ID] = def
		}
	}
	return r
}

// Get returns the definition for an ID
func (r *Registry) Get(id string) (*Definition, bool) {
	if r == nil {
		return nil, false
	}
	def, ok := r.defs[id]
	return def, ok
}

// List returns all definitions sorted by ID
func (r *Registry) List() []*Definition {
	if r == nil {
		return nil
	}
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of loaded definitions
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}

// Load reads every .yaml/.yml file in dir into a registry. A missing
// directory yields an empty registry; files that fail to parse or validate
// are skipped with a warning so one bad definition cannot block boot.
// Duplicate IDs keep the first file (directory order is lexical).
func Load(dir string, logger arbor.ILogger) (*Registry, error) {
	registry := &Registry{defs: make(map[string]*Definition)}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("dir", dir).Msg("Crawl types directory does not exist, skipping")
		return registry, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read crawl types directory: %w", err)
	}

	validate := validator.New()
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read crawl type file")
			continue
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse crawl type YAML")
			continue
		}
		if err := validate.Struct(&def); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Crawl type definition failed validation")
			continue
		}
		if _, exists := registry.defs[def.ID]; exists {
			logger.Warn().Str("file", entry.Name()).Str("id", def.ID).Msg("Duplicate crawl type ID, keeping first definition")
			continue
		}

		registry.defs[def.ID] = &def
		logger.Debug().Str("id", def.ID).Str("file", entry.Name()).Msg("Loaded crawl type definition")
	}

	logger.Info().Str("dir", dir).Int("count", len(registry.defs)).Msg("Crawl type definitions loaded")
	return registry, nil
}
