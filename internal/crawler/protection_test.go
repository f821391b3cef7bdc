package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultChainTableIsValid(t *testing.T) {
	t.Parallel()

	table := DefaultChainTable()
	require.NoError(t, table.Validate())
	for _, category := range AllProtectionCategories {
		require.NotEmpty(t, table.Chain(category), category)
	}
}

func TestChainTableValidateRejectsUnknownCapability(t *testing.T) {
	t.Parallel()

	table := DefaultChainTable()
	table[ProtectionTLSChallenge] = []Capability{"teleport"}
	require.ErrorContains(t, table.Validate(), "unknown capability")

	table = DefaultChainTable()
	table[ProtectionNone] = []Capability{CapabilityPlainHTTP, CapabilityPlainHTTP}
	require.ErrorContains(t, table.Validate(), "duplicate")
}

func TestChainReturnsCopy(t *testing.T) {
	t.Parallel()

	table := DefaultChainTable()
	chain := table.Chain(ProtectionNone)
	chain[0] = CapabilityBrowserCaptcha
	require.Equal(t, CapabilityPlainHTTP, table.Chain(ProtectionNone)[0])
}

func TestClassificationStale(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	c := Classification{ClassifiedAt: now, TTL: time.Minute}
	require.False(t, c.Stale(now.Add(30*time.Second)))
	require.True(t, c.Stale(now.Add(time.Minute)))
	require.True(t, Classification{}.Stale(now))
}
