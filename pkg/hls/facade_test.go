package hls

import (
	"testing"
	"time"

	"github.com/aminofox/zenlive/pkg/cache"
	"github.com/aminofox/zenlive/pkg/logger"
)

func TestProbeScoresStructuralTags(t *testing.T) {
	master := []byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\nlow.m3u8\n")
	if got := Probe(master); got != 100 {
		t.Errorf("expected confidence 100 for a master playlist, got %d", got)
	}

	bareHeader := []byte("#EXTM3U\nnot really hls\n")
	if got := Probe(bareHeader); got != 50 {
		t.Errorf("expected confidence 50 for a bare #EXTM3U, got %d", got)
	}

	notHLS := []byte("just some text\n")
	if got := Probe(notHLS); got != 0 {
		t.Errorf("expected confidence 0 for non-HLS content, got %d", got)
	}
}

func TestSelectVariantPicksHighestBelowMeasured(t *testing.T) {
	variants := []*Variant{
		{Bandwidth: 500_000},
		{Bandwidth: 1_000_000},
		{Bandwidth: 2_000_000},
		{Bandwidth: 3_000_000},
	}

	got := selectVariant(variants, 2_500_000)
	if variants[got].Bandwidth != 2_000_000 {
		t.Errorf("expected the 2Mbps variant, got %d", variants[got].Bandwidth)
	}
}

func TestSelectVariantFallsBackToLowestWhenAllExceedMeasured(t *testing.T) {
	variants := []*Variant{
		{Bandwidth: 500_000},
		{Bandwidth: 1_000_000},
	}

	got := selectVariant(variants, 100_000)
	if got != 0 {
		t.Errorf("expected index 0 (lowest variant) when measured bandwidth is below all tiers, got %d", got)
	}
}

func TestSelectVariantTiesBrokenBySmallestShortfall(t *testing.T) {
	variants := []*Variant{
		{Bandwidth: 1_000_000},
		{Bandwidth: 1_800_000},
	}

	got := selectVariant(variants, 2_000_000)
	if variants[got].Bandwidth != 1_800_000 {
		t.Errorf("expected the variant with the smallest positive shortfall, got %d", variants[got].Bandwidth)
	}
}

func TestModCompareDTSOrdersNoPTSFirst(t *testing.T) {
	if modCompareDTS(int64(NoPTS), 100) != -1 {
		t.Error("expected NoPTS to sort before any real DTS")
	}
	if modCompareDTS(100, int64(NoPTS)) != 1 {
		t.Error("expected a real DTS to sort after NoPTS")
	}
}

func TestModCompareDTSHandlesWraparound(t *testing.T) {
	// Just before wraparound vs. just after: the modular distance should
	// treat "after" as the later value despite the raw subtraction being
	// large and positive.
	justBefore := ptsModulo - 10
	justAfter := int64(10)

	if modCompareDTS(justBefore, justAfter) >= 0 {
		t.Error("expected a value just before wraparound to compare less than a value just after it")
	}
}

func TestModCompareDTSEqual(t *testing.T) {
	if modCompareDTS(42, 42) != 0 {
		t.Error("expected equal DTS values to compare equal")
	}
}

func TestDurationFromMicros(t *testing.T) {
	if got := durationFromMicros(1_500_000); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", got)
	}
}

func TestSwitchDebounceSuppressesRapidSwitch(t *testing.T) {
	p := &Player{
		variants: []*Variant{
			{Bandwidth: 500_000, Playlists: []*Playlist{NewPlaylist("http://origin/low.m3u8")}},
			{Bandwidth: 2_000_000, Playlists: []*Playlist{NewPlaylist("http://origin/high.m3u8")}},
		},
		variantIdx:     0,
		manualIdx:      -1,
		logger:         logger.NewDefaultLogger(logger.InfoLevel, "text"),
		switchDebounce: cache.NewInMemoryCache(4, switchDebounceWindow, cache.EvictionPolicyFIFO),
	}
	p.sessions = []*Session{{receiver: &Receiver{playlist: p.variants[0].Playlists[0]}}}

	p.onBandwidth(p.variants[0].Playlists[0], 3_000_000)
	if p.variantIdx != 1 {
		t.Fatalf("expected first bandwidth sample to trigger a switch to variant 1, got %d", p.variantIdx)
	}

	p.sessions[0].receiver.playlist = p.variants[1].Playlists[0]
	p.onBandwidth(p.variants[1].Playlists[0], 100_000)
	if p.variantIdx != 1 {
		t.Errorf("expected a second switch inside the debounce window to be suppressed, got variant %d", p.variantIdx)
	}
}
