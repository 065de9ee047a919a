package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

func setupPatternStorage(t *testing.T) (interfaces.PatternStorage, func()) {
	db, cleanup := setupTestDB(t)
	return NewPatternStorage(db, arbor.NewLogger()), cleanup
}

func newTestPattern(domain, template string) *models.PatternTemplate {
	return &models.PatternTemplate{
		ID:       uuid.New().String(),
		Domain:   domain,
		Category: "news",
		Template: template,
	}
}

func TestPatternStorage_UpsertAndGet(t *testing.T) {
	storage, cleanup := setupPatternStorage(t)
	defer cleanup()
	ctx := context.Background()

	pattern := newTestPattern("example.com", "https://example.com/news/{slug}")
	require.NoError(t, storage.UpsertPattern(ctx, pattern))

	patterns, err := storage.GetPatterns(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, pattern.Template, patterns[0].Template)
	assert.Equal(t, "news", patterns[0].Category)
	assert.False(t, patterns[0].LastUsedAt.IsZero())
}

func TestPatternStorage_UpsertSameTemplateKeepsOneRow(t *testing.T) {
	storage, cleanup := setupPatternStorage(t)
	defer cleanup()
	ctx := context.Background()

	first := newTestPattern("example.com", "https://example.com/news/{slug}")
	require.NoError(t, storage.UpsertPattern(ctx, first))

	// Same (domain, template) discovered again under a new ID refreshes the
	// existing row instead of duplicating it
	second := newTestPattern("example.com", "https://example.com/news/{slug}")
	second.Category = "headlines"
	require.NoError(t, storage.UpsertPattern(ctx, second))

	patterns, err := storage.GetPatterns(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, first.ID, patterns[0].ID)
	assert.Equal(t, "headlines", patterns[0].Category)
}

func TestPatternStorage_RecordResultsOrderByHitRate(t *testing.T) {
	storage, cleanup := setupPatternStorage(t)
	defer cleanup()
	ctx := context.Background()

	good := newTestPattern("example.com", "https://example.com/news/{slug}")
	bad := newTestPattern("example.com", "https://example.com/tag/{slug}")
	require.NoError(t, storage.UpsertPattern(ctx, good))
	require.NoError(t, storage.UpsertPattern(ctx, bad))

	for i := 0; i < 4; i++ {
		require.NoError(t, storage.RecordPatternResult(ctx, good.ID, true))
	}
	require.NoError(t, storage.RecordPatternResult(ctx, good.ID, false))
	require.NoError(t, storage.RecordPatternResult(ctx, bad.ID, true))
	require.NoError(t, storage.RecordPatternResult(ctx, bad.ID, false))
	require.NoError(t, storage.RecordPatternResult(ctx, bad.ID, false))

	patterns, err := storage.GetPatterns(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, good.ID, patterns[0].ID)
	assert.Equal(t, int64(4), patterns[0].HitCount)
	assert.Equal(t, int64(1), patterns[0].MissCount)
	assert.InDelta(t, 0.8, patterns[0].HitRate(), 0.001)
}

func TestPatternStorage_CrossDomainLookup(t *testing.T) {
	storage, cleanup := setupPatternStorage(t)
	defer cleanup()
	ctx := context.Background()

	proven := newTestPattern("example.com", "https://example.com/news/{country}/{slug}")
	require.NoError(t, storage.UpsertPattern(ctx, proven))
	require.NoError(t, storage.RecordPatternResult(ctx, proven.ID, true))
	require.NoError(t, storage.RecordPatternResult(ctx, proven.ID, true))

	unproven := newTestPattern("other.com", "https://other.com/x/{slug}")
	require.NoError(t, storage.UpsertPattern(ctx, unproven))

	ownDomain := newTestPattern("target.com", "https://target.com/y/{slug}")
	require.NoError(t, storage.UpsertPattern(ctx, ownDomain))
	require.NoError(t, storage.RecordPatternResult(ctx, ownDomain.ID, true))

	// Only proven templates from other domains come back
	shared, err := storage.GetPatternsByCategory(ctx, "news", "target.com")
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, proven.ID, shared[0].ID)
}

func TestPatternStorage_Retire(t *testing.T) {
	storage, cleanup := setupPatternStorage(t)
	defer cleanup()
	ctx := context.Background()

	pattern := newTestPattern("example.com", "https://example.com/archive/{year}")
	require.NoError(t, storage.UpsertPattern(ctx, pattern))
	require.NoError(t, storage.RetirePattern(ctx, pattern.ID))

	patterns, err := storage.GetPatterns(ctx, "example.com")
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestPatternStorage_EvictLRU(t *testing.T) {
	storage, cleanup := setupPatternStorage(t)
	defer cleanup()
	ctx := context.Background()

	// Distinct last_used_at values so eviction order is deterministic
	base := time.Now().Add(-time.Hour)
	var oldest *models.PatternTemplate
	for i := 0; i < 5; i++ {
		p := newTestPattern("example.com", fmt.Sprintf("https://example.com/section-%d/{slug}", i))
		p.LastUsedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, storage.UpsertPattern(ctx, p))
		if i == 0 {
			oldest = p
		}
	}

	evicted, err := storage.EvictLRU(ctx, "example.com", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	remaining, err := storage.GetPatterns(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	for _, p := range remaining {
		assert.NotEqual(t, oldest.ID, p.ID)
	}

	// Under the cap nothing happens
	evicted, err = storage.EvictLRU(ctx, "example.com", 10)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}
