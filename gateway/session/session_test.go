package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nft-marketplace-onchain/model"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)

	s := model.NewWalletSession("0xABCDEF0000000000000000000000000000000001")
	require.NoError(t, store.Put(ctx, "tab-1", s))

	got, ok, err := store.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", got.Address)

	_, ok, _ = store.Get(ctx, "tab-2")
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx, "tab-1"))
	_, ok, _ = store.Get(ctx, "tab-1")
	assert.False(t, ok)
}
