package crawltypes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func writeDefinition(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoad_ReadsDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "news-site.yaml", `
id: news-site
description: General news site crawl
seed_strategy: start-urls
max_pages: 200
max_depth: 4
category: news
flags:
  pattern_discovery: "true"
  max_branches: "16"
`)
	writeDefinition(t, dir, "regional.yml", `
id: regional
seed_strategy: place-hubs
allowed_domains:
  - example.com
  - news.example.org
start_urls:
  - https://example.com/regions
priority: 3
`)

	registry, err := Load(dir, arbor.NewLogger())
	require.NoError(t, err)
	require.Equal(t, 2, registry.Len())

	news, ok := registry.Get("news-site")
	require.True(t, ok)
	assert.Equal(t, "General news site crawl", news.Description)
	assert.Equal(t, SeedStartURLs, news.Strategy())
	assert.Equal(t, 200, news.MaxPages)
	assert.Equal(t, 4, news.MaxDepth)
	assert.Equal(t, "news", news.Category)

	flags := news.FlagValues()
	assert.Equal(t, true, flags["pattern_discovery"])
	assert.Equal(t, 16, flags["max_branches"])

	regional, ok := registry.Get("regional")
	require.True(t, ok)
	assert.Equal(t, SeedPlaceHubs, regional.Strategy())
	assert.Equal(t, "https://example.com/regions", regional.DefaultSeedURL())
	assert.Equal(t, 3, regional.Priority)
}

func TestLoad_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "broken.yaml", "id: [unclosed")
	writeDefinition(t, dir, "no-id.yaml", "description: missing the id field\n")
	writeDefinition(t, dir, "bad-strategy.yaml", "id: bad\nseed_strategy: teleport\n")
	writeDefinition(t, dir, "good.yaml", "id: good\n")
	writeDefinition(t, dir, "notes.txt", "id: not-yaml\n")

	registry, err := Load(dir, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Len())

	_, ok := registry.Get("good")
	assert.True(t, ok)
}

func TestLoad_MissingDirectory(t *testing.T) {
	registry, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, registry.Len())
}

func TestLoad_DuplicateIDKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a-first.yaml", "id: dup\ndescription: first\n")
	writeDefinition(t, dir, "b-second.yaml", "id: dup\ndescription: second\n")

	registry, err := Load(dir, arbor.NewLogger())
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	def, ok := registry.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "first", def.Description)
}

func TestDefinition_AllowsDomain(t *testing.T) {
	def := &Definition{AllowedDomains: []string{"example.com", "News.ORG"}}

	assert.True(t, def.AllowsDomain("example.com"))
	assert.True(t, def.AllowsDomain("sub.example.com"))
	assert.True(t, def.AllowsDomain("news.org"))
	assert.False(t, def.AllowsDomain("example.org"))
	assert.False(t, def.AllowsDomain("notexample.com"))

	assert.True(t, def.AllowsURL("https://sub.example.com/path"))
	assert.False(t, def.AllowsURL("https://other.net/"))
	assert.False(t, def.AllowsURL("://broken"))

	open := &Definition{}
	assert.True(t, open.AllowsDomain("anything.at.all"))
}

func TestDefinition_StrategyDefaultsToStartURLs(t *testing.T) {
	assert.Equal(t, SeedStartURLs, (&Definition{}).Strategy())
	assert.Equal(t, SeedHybrid, (&Definition{SeedStrategy: SeedHybrid}).Strategy())
}

func TestRegistry_ListSortsByID(t *testing.T) {
	registry := NewRegistry(
		&Definition{ID: "zulu"},
		&Definition{ID: "alpha"},
		&Definition{ID: "mike"},
	)

	list := registry.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "mike", list[1].ID)
	assert.Equal(t, "zulu", list[2].ID)
}
