package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
)

func setupKVStorage(t *testing.T) (interfaces.KVStorage, func()) {
	db, cleanup := setupBadgerTestDB(t)
	return NewKVStorage(db, arbor.NewLogger()), cleanup
}

type readinessSnapshot struct {
	Domain       string    `json:"domain"`
	Ready        bool      `json:"ready"`
	VerifiedHubs int       `json:"verified_hubs"`
	JudgedAt     time.Time `json:"judged_at"`
}

func TestKVStorage_SetGetRoundTrip(t *testing.T) {
	storage, cleanup := setupKVStorage(t)
	defer cleanup()
	ctx := context.Background()

	snapshot := readinessSnapshot{
		Domain:       "example.com",
		Ready:        true,
		VerifiedHubs: 7,
		JudgedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, storage.Set(ctx, "readiness:example.com", snapshot))

	var loaded readinessSnapshot
	require.NoError(t, storage.Get(ctx, "readiness:example.com", &loaded))
	assert.Equal(t, snapshot, loaded)
}

func TestKVStorage_KeysAreCaseInsensitive(t *testing.T) {
	storage, cleanup := setupKVStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "Readiness:Example.COM", "judged"))

	var value string
	require.NoError(t, storage.Get(ctx, "readiness:example.com", &value))
	assert.Equal(t, "judged", value)
}

func TestKVStorage_GetMissingKey(t *testing.T) {
	storage, cleanup := setupKVStorage(t)
	defer cleanup()

	var out string
	err := storage.Get(context.Background(), "absent", &out)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestKVStorage_Delete(t *testing.T) {
	storage, cleanup := setupKVStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "key", 42))
	require.NoError(t, storage.Delete(ctx, "key"))

	var out int
	err := storage.Get(ctx, "key", &out)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// Deleting a missing key is fine
	require.NoError(t, storage.Delete(ctx, "key"))
}

func TestKVStorage_Overwrite(t *testing.T) {
	storage, cleanup := setupKVStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "counter", 1))
	require.NoError(t, storage.Set(ctx, "counter", 2))

	var value int
	require.NoError(t, storage.Get(ctx, "counter", &value))
	assert.Equal(t, 2, value)
}
