package faster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A failed relocation can leave the index naming an address that a
// later trim removes. Every lookup path must drop such a dangling
// entry and treat the key as absent instead of retrying forever.
func TestStore_DanglingTrimmedIndexEntry(t *testing.T) {
	store, err := Open(WithPageSize(4096))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	for _, key := range []string{"orphan-read", "orphan-delete", "orphan-rmw"} {
		require.NoError(t, store.Upsert(ctx, []byte(key), []byte("stale")))
	}
	// Trim past the records without re-pointing the index: the state a
	// relocation that froze the old copies but failed to append leaves
	// behind.
	store.log.ShiftBegin(store.TailAddress())

	_, err = store.Read(ctx, []byte("orphan-read"))
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, store.Delete(ctx, []byte("orphan-delete")), ErrNotFound)

	var sawAbsent bool
	require.NoError(t, store.RMW(ctx, []byte("orphan-rmw"), func(old []byte) []byte {
		sawAbsent = old == nil
		return []byte("rebuilt")
	}))
	assert.True(t, sawAbsent, "rmw over a dangling entry must start from absent")

	// The repaired entries are insertable and readable again.
	require.NoError(t, store.Upsert(ctx, []byte("orphan-read"), []byte("fresh")))
	got, err := store.Read(ctx, []byte("orphan-read"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)

	got, err = store.Read(ctx, []byte("orphan-rmw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("rebuilt"), got)
}
