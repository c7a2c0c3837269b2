package market

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/clock"
)

// Live file freshness compares the fake clock against real file mtimes,
// so these tests anchor the fake clock to wall time.
func newTestLiveProvider(t *testing.T) (*LiveFileProvider, *clock.Fake, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cn.json")
	writeSnapshot(t, path, liveSnapshot{
		Symbols: []SymbolInfo{{Symbol: "600519.SH", Name: "贵州茅台"}},
		Frames: []Frame{
			testFrame("600519.SH", "1m", 3_000_000, 101),
			testFrame("600519.SH", "1m", 1_000_000, 100),
			testFrame("600519.SH", "1m", 2_000_000, 102),
			testFrame("000001.SZ", "1m", 2_500_000, 10),
			testFrame("600519.SH", "1d", 500_000, 99),
		},
	})
	clk := clock.NewFake(time.Now())
	p := NewLiveFileProvider(MarketCN, path, 2*time.Second, 90*time.Second, clk, zerolog.Nop())
	require.NotNil(t, p)
	return p, clk, path
}

func TestLiveFileFramesSortedAndLimited(t *testing.T) {
	p, _, _ := newTestLiveProvider(t)

	frames, err := p.GetFrames("600519.SH", "1m", 10)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, int64(1_000_000), frames[0].Window.StartTSMs)
	assert.Equal(t, int64(3_000_000), frames[2].Window.StartTSMs)

	frames, err = p.GetFrames("600519.SH", "1m", 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(2_000_000), frames[0].Window.StartTSMs)

	assert.Equal(t, int64(3_000_000), p.LatestFrameTSMs("1m"))
}

func TestLiveFileSymbolsAndStatus(t *testing.T) {
	p, _, _ := newTestLiveProvider(t)

	symbols := p.Symbols()
	require.Len(t, symbols, 1)
	assert.Equal(t, "600519.SH", symbols[0].Symbol)

	st := p.Status()
	assert.Equal(t, 5, st.FrameCount)
	assert.Equal(t, 2, st.SymbolsPerInterval["1m"])
	assert.Equal(t, 1, st.SymbolsPerInterval["1d"])
	assert.False(t, st.Stale)
	assert.Empty(t, st.LastError)
	assert.True(t, p.Healthy())
}

func TestLiveFileFreshnessTracksMtime(t *testing.T) {
	p, clk, _ := newTestLiveProvider(t)
	require.True(t, p.Fresh())

	// The producer stops writing: the parse stays healthy (the file is
	// readable) but freshness is lost.
	clk.Advance(5 * time.Minute)
	assert.True(t, p.Healthy())
	assert.False(t, p.Fresh())
}

func TestLiveFileBadParseKeepsPreviousSnapshot(t *testing.T) {
	p, clk, path := newTestLiveProvider(t)

	frames, err := p.GetFrames("600519.SH", "1m", 10)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	clk.Advance(10 * time.Second)

	// Readers keep the previous parse; health reports the error.
	frames, err = p.GetFrames("600519.SH", "1m", 10)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	assert.False(t, p.Healthy())
	assert.NotEmpty(t, p.Status().LastError)
}

func TestLiveFileMissingFile(t *testing.T) {
	clk := clock.NewFake(time.Now())
	p := NewLiveFileProvider(MarketCN, filepath.Join(t.TempDir(), "absent.json"), time.Second, time.Minute, clk, zerolog.Nop())

	_, err := p.GetFrames("600519.SH", "1m", 10)
	assert.Error(t, err)
	assert.False(t, p.Healthy())
	assert.False(t, p.Fresh())
}

func TestLiveFileEmptyPathDisabled(t *testing.T) {
	assert.Nil(t, NewLiveFileProvider(MarketCN, "", time.Second, time.Minute, clock.NewFake(time.Now()), zerolog.Nop()))
}
