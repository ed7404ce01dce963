package rules

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndLookup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, types.Rule{
		Identifier: "aaaa", Type: types.RuleBinary, Policy: types.RulePolicyDeny, CustomMsg: "blocked by IT",
	}))

	r, err := s.RuleForIdentifiers(ctx, types.RuleIdentifiers{BinaryHash: "aaaa"})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, types.RulePolicyDeny, r.Policy)
	assert.Equal(t, "blocked by IT", r.CustomMsg)

	r, err = s.RuleForIdentifiers(ctx, types.RuleIdentifiers{BinaryHash: "bbbb"})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestLookupPrecedence(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "team1", Type: types.RuleTeamID, Policy: types.RulePolicyAllow}))
	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "hash1", Type: types.RuleBinary, Policy: types.RulePolicyDeny}))
	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "cd1", Type: types.RuleCDHash, Policy: types.RulePolicyAllow}))

	ids := types.RuleIdentifiers{CDHash: "cd1", BinaryHash: "hash1", TeamID: "team1"}
	r, err := s.RuleForIdentifiers(ctx, ids)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, types.RuleCDHash, r.Type, "cdhash outranks binary and teamid")

	// Without the cdhash, the binary rule wins over the teamid rule.
	ids.CDHash = ""
	r, err = s.RuleForIdentifiers(ctx, ids)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, types.RuleBinary, r.Type)
	assert.Equal(t, types.RulePolicyDeny, r.Policy)
}

func TestAddReplacesAndRemove(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "x", Type: types.RuleBinary, Policy: types.RulePolicyAllow}))
	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "x", Type: types.RuleBinary, Policy: types.RulePolicyDeny}))

	r, err := s.RuleForIdentifiers(ctx, types.RuleIdentifiers{BinaryHash: "x"})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, types.RulePolicyDeny, r.Policy)

	require.NoError(t, s.Remove(ctx, types.RuleBinary, "x"))
	r, err = s.RuleForIdentifiers(ctx, types.RuleIdentifiers{BinaryHash: "x"})
	require.NoError(t, err)
	assert.Nil(t, r)

	// Removing again is a no-op.
	require.NoError(t, s.Remove(ctx, types.RuleBinary, "x"))
}

func TestRejectBadRules(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	assert.Error(t, s.Add(ctx, types.Rule{Type: types.RuleBinary, Policy: types.RulePolicyAllow}))
	assert.Error(t, s.Add(ctx, types.Rule{Identifier: "x", Type: types.RuleBinary, Policy: "maybe"}))
}

func TestCounts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "a", Type: types.RuleBinary, Policy: types.RulePolicyAllow}))
	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "b", Type: types.RuleBinary, Policy: types.RulePolicyDeny}))
	require.NoError(t, s.Add(ctx, types.Rule{Identifier: "t", Type: types.RuleTeamID, Policy: types.RulePolicyAllow}))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Binary)
	assert.Equal(t, int64(1), counts.TeamID)
	assert.Zero(t, counts.CDHash)
}

func TestHashIgnoresInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s1 := openStore(t)
	require.NoError(t, s1.Add(ctx, types.Rule{Identifier: "a", Type: types.RuleBinary, Policy: types.RulePolicyAllow}))
	require.NoError(t, s1.Add(ctx, types.Rule{Identifier: "b", Type: types.RuleTeamID, Policy: types.RulePolicyDeny}))

	s2 := openStore(t)
	require.NoError(t, s2.Add(ctx, types.Rule{Identifier: "b", Type: types.RuleTeamID, Policy: types.RulePolicyDeny}))
	require.NoError(t, s2.Add(ctx, types.Rule{Identifier: "a", Type: types.RuleBinary, Policy: types.RulePolicyAllow}))

	h1, err := s1.Hash(ctx)
	require.NoError(t, err)
	h2, err := s2.Hash(ctx)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.NoError(t, s2.Add(ctx, types.Rule{Identifier: "c", Type: types.RuleBinary, Policy: types.RulePolicyAllow}))
	h3, err := s2.Hash(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
