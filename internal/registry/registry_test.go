package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/apierr"
)

func writeTestManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func manifestBody(traderID string) string {
	return "schema_version: \"1.2.0\"\n" +
		"trader_id: " + traderID + "\n" +
		"trader_name: Trader " + traderID + "\n" +
		"ai_model: gpt-test\n" +
		"exchange_id: SSE\n" +
		"strategy_name: momentum-breakout\n" +
		"trading_style: momentum\n" +
		"stock_pool: [\"600519.SH\", \"000001.SZ\"]\n"
}

func newRegistryFixture(t *testing.T) (*Registry, string, string) {
	t.Helper()
	manifests := t.TempDir()
	writeTestManifest(t, manifests, "t_001.yaml", manifestBody("t_001"))
	writeTestManifest(t, manifests, "t_002.yaml", manifestBody("t_002"))
	statePath := filepath.Join(t.TempDir(), "registry.json")
	return New(manifests, statePath, zerolog.Nop()), manifests, statePath
}

func TestManifestLoading(t *testing.T) {
	r, _, _ := newRegistryFixture(t)

	available := r.Available()
	require.Len(t, available, 2)
	assert.Equal(t, "t_001", available[0].TraderID)
	assert.Equal(t, "momentum", available[0].TradingStyle)
	// Omitted risk profile defaults.
	assert.Equal(t, RiskBalanced, available[0].RiskProfile)
	assert.Equal(t, StatusStopped, available[0].Status)
}

func TestManifestValidationSkipsBadFiles(t *testing.T) {
	manifests := t.TempDir()
	writeTestManifest(t, manifests, "good.yaml", manifestBody("t_good"))
	writeTestManifest(t, manifests, "no_version.yaml", "trader_id: t_nover\n")
	writeTestManifest(t, manifests, "future.yaml", "schema_version: \"2.0.0\"\ntrader_id: t_future\n")
	writeTestManifest(t, manifests, "no_id.yaml", "schema_version: \"1.0.0\"\n")
	writeTestManifest(t, manifests, "garbage.yaml", ":::not yaml")
	// Duplicate trader_id keeps the lexicographically first manifest.
	writeTestManifest(t, manifests, "zz_dup.yaml", manifestBody("t_good"))

	r := New(manifests, filepath.Join(t.TempDir(), "registry.json"), zerolog.Nop())
	available := r.Available()
	require.Len(t, available, 1)
	assert.Equal(t, "t_good", available[0].TraderID)
}

func TestRegisterLifecycle(t *testing.T) {
	r, _, _ := newRegistryFixture(t)

	assert.Equal(t, "agent_manifest_not_found", apierr.Code(r.Register("t_missing"), "x"))

	require.NoError(t, r.Register("t_001"))
	assert.True(t, r.IsRegistered("t_001"))
	trader, err := r.Get("t_001")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, trader.Status)

	// Available but unregistered traders are invisible to Get.
	_, err = r.Get("t_002")
	assert.Equal(t, "agent_not_registered", apierr.Code(err, "x"))

	require.NoError(t, r.Start("t_001"))
	require.Len(t, r.Running(), 1)
	require.NoError(t, r.Stop("t_001"))
	assert.Empty(t, r.Running())

	assert.Equal(t, "agent_not_registered", apierr.Code(r.Start("t_002"), "x"))

	require.NoError(t, r.Unregister("t_001"))
	assert.False(t, r.IsRegistered("t_001"))
	assert.Equal(t, "agent_not_registered", apierr.Code(r.Unregister("t_001"), "x"))
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	r, manifests, statePath := newRegistryFixture(t)
	require.NoError(t, r.Register("t_001"))
	require.NoError(t, r.Register("t_002"))
	require.NoError(t, r.Start("t_001"))

	r2 := New(manifests, statePath, zerolog.Nop())
	assert.True(t, r2.IsRegistered("t_001"))
	assert.True(t, r2.IsRegistered("t_002"))
	running := r2.Running()
	require.Len(t, running, 1)
	assert.Equal(t, "t_001", running[0].TraderID)
}

func TestCorruptStateStartsEmpty(t *testing.T) {
	manifests := t.TempDir()
	writeTestManifest(t, manifests, "t_001.yaml", manifestBody("t_001"))
	statePath := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{broken"), 0o644))

	r := New(manifests, statePath, zerolog.Nop())
	assert.False(t, r.IsRegistered("t_001"))
}

func TestReloadDropsVanishedManifests(t *testing.T) {
	r, manifests, _ := newRegistryFixture(t)
	require.NoError(t, r.Register("t_002"))

	require.NoError(t, os.Remove(filepath.Join(manifests, "t_002.yaml")))
	r.Reload()

	assert.False(t, r.IsRegistered("t_002"))
	assert.Len(t, r.Available(), 1)
}

func TestAssetPathRejectsTraversal(t *testing.T) {
	r, manifests, _ := newRegistryFixture(t)

	path, err := r.AssetPath("t_001", "avatar.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(manifests, "assets", "t_001", "avatar.png"), path)

	_, err = r.AssetPath("t_001", "../secret.txt")
	assert.Error(t, err)
	_, err = r.AssetPath("t_001", "..")
	assert.Error(t, err)
	_, err = r.AssetPath("t_missing", "avatar.png")
	assert.Equal(t, "agent_manifest_not_found", apierr.Code(err, "x"))
}

func TestPoolUnionDeduplicates(t *testing.T) {
	r, _, _ := newRegistryFixture(t)
	pool := r.PoolUnion()
	assert.Equal(t, []string{"600519.SH", "000001.SZ"}, pool)
}
