package groups

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()
	group := "pr-tests-refs/pull/42/merge"

	holder, ok, err := reg.Claim(ctx, group, "run-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-a", holder)

	// A second run sees the holder and fails to claim.
	holder, ok, err = reg.Claim(ctx, group, "run-b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "run-a", holder)

	// Reclaiming your own group is fine.
	_, ok, err = reg.Claim(ctx, group, "run-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing with the wrong run id leaves the record alone.
	require.NoError(t, reg.Release(ctx, group, "run-b"))
	h, err := reg.Holder(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, "run-a", h)

	require.NoError(t, reg.Release(ctx, group, "run-a"))
	h, err = reg.Holder(ctx, group)
	require.NoError(t, err)
	assert.Empty(t, h)

	// The freed group is claimable again.
	_, ok, err = reg.Claim(ctx, group, "run-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGroupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()

	_, ok, err := reg.Claim(ctx, "pr-tests-refs/heads/main", "run-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = reg.Claim(ctx, "pr-tests-refs/heads/dev", "run-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyEscapesGroups(t *testing.T) {
	assert.Equal(t, "/kestrel/groups/pr-tests-refs%2Fpull%2F7%2Fmerge", key("pr-tests-refs/pull/7/merge"))
}
