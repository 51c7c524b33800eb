package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

func TestResolvePicksLexicographicMinimum(t *testing.T) {
	candidates := []string{
		"coordinator-2.coordinator:8970",
		"coordinator-0.coordinator:8970",
		"coordinator-1.coordinator:8970",
	}

	decision, err := Resolve(candidates, "coordinator-0.coordinator:8970")
	require.NoError(t, err)
	require.True(t, decision.IsSeed)
	require.Equal(t, "coordinator-0.coordinator:8970", decision.SeedAddr)
}

func TestResolveNonSeed(t *testing.T) {
	candidates := []string{
		"coordinator-0.coordinator:8970",
		"coordinator-1.coordinator:8970",
	}

	decision, err := Resolve(candidates, "coordinator-1.coordinator:8970")
	require.NoError(t, err)
	require.False(t, decision.IsSeed)
	require.Equal(t, "coordinator-0.coordinator:8970", decision.SeedAddr)
}

func TestResolveDeterministic(t *testing.T) {
	candidates := []string{"b:1", "c:1", "a:1"}
	for i := 0; i < 50; i++ {
		decision, err := Resolve(candidates, "b:1")
		require.NoError(t, err)
		require.Equal(t, "a:1", decision.SeedAddr)
	}
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	candidates := []string{"c:1", "a:1", "b:1"}
	_, err := Resolve(candidates, "a:1")
	require.NoError(t, err)
	require.Equal(t, []string{"c:1", "a:1", "b:1"}, candidates)
}

func TestResolveEmptyCandidates(t *testing.T) {
	_, err := Resolve(nil, "a:1")
	require.ErrorIs(t, err, errors.ErrNoCandidates)
}
