package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-engine/types"
)

func chain(n int) []types.Block {
	blocks := []types.Block{{BlockID: "\x00genesis", BlockNum: 0}}
	for i := 1; i < n; i++ {
		blocks = append(blocks, types.Block{
			BlockID:    types.BlockID([]byte{0xff, byte(i)}),
			BlockNum:   uint64(i),
			SignerID:   "\xfe\x01",
			PreviousID: blocks[i-1].BlockID,
			Summary:    []byte{byte(i)},
		})
	}
	return blocks
}

func testStore(t *testing.T, store Store) {
	_, err := store.LatestHeight()
	assert.ErrorIs(t, err, ErrNotFound)

	blocks := chain(4)
	for _, b := range blocks {
		require.NoError(t, store.SaveBlock(b))
	}

	latest, err := store.LatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest)

	loaded, err := store.LoadBlock(2)
	require.NoError(t, err)
	assert.True(t, blocks[2].Equal(loaded), "raw byte ids survive storage")

	all, err := store.LoadBlocks(0, 3)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := range blocks {
		assert.True(t, blocks[i].Equal(all[i]))
	}

	_, err = store.LoadBlock(9)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadBlocks(2, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Close())
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreRejectsGaps(t *testing.T) {
	store := NewMemoryStore()
	blocks := chain(4)
	require.NoError(t, store.SaveBlock(blocks[0]))
	assert.Error(t, store.SaveBlock(blocks[2]))
}

func TestFileStore(t *testing.T) {
	testStore(t, mustFileStore(t, t.TempDir()))
}

func TestFileStoreReopen(t *testing.T) {
	dir := t.TempDir()
	store := mustFileStore(t, dir)
	for _, b := range chain(3) {
		require.NoError(t, store.SaveBlock(b))
	}
	require.NoError(t, store.Close())

	// 다시 열어도 마지막 높이를 복구
	reopened := mustFileStore(t, dir)
	latest, err := reopened.LatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest)
}

func mustFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	return store
}
