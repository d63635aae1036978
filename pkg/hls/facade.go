package hls

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aminofox/zenlive/pkg/cache"
	"github.com/aminofox/zenlive/pkg/hls/demux"
	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
)

// switchDebounceWindow is the minimum interval between two variant switches;
// it absorbs bursts of conflicting bandwidth samples around a threshold
// crossing instead of flapping back and forth.
const switchDebounceWindow = 5 * time.Second

// PacketFlagSegmentChanged is set on the first packet emitted from a
// session after it has advanced to a new segment.
const PacketFlagSegmentChanged uint32 = 0x8000

// ptsModulo is the 33-bit wraparound space MPEG-TS timestamps live in;
// packet merge order uses a modular comparison over this space so
// discontinuities and wraparound don't desynchronize session ordering.
const ptsModulo int64 = 1 << 33

// Options configures an Open call.
type Options struct {
	// ManualIndex forces a variant index; -1 selects automatic
	// bandwidth-driven switching.
	ManualIndex int
}

// OutputPacket is one merged, globally-ordered packet emitted by ReadPacket.
type OutputPacket struct {
	StreamIndex int
	PTS         int64 // microseconds, global timebase
	DTS         int64
	Data        []byte
	KeyFrame    bool
	Flags       uint32
}

// Player is the host-facing façade: it opens one Session per playlist in
// the selected variant, merges their packets in DTS order, and switches
// variants as bandwidth measurements arrive.
type Player struct {
	mu sync.Mutex

	info      *HLSInfo
	transport transport.RoundTripper
	keys      *KeyStore
	logger    logger.Logger
	opener    demux.Opener

	variants   []*Variant
	variantIdx int
	manualIdx  int
	probing    atomic.Bool
	sessions   []*Session
	exiting    atomic.Bool

	// events, when set, receives variant-switch notifications for external
	// dashboards; no other event kind is published.
	events *EventBus

	// segmentCache, when set, is propagated to every session's Receiver.
	segmentCache SegmentCache

	// steeringServerURI/steeringPathwayToken are populated from the
	// manifest's EXT-X-CONTENT-STEERING tag, if present.
	steeringServerURI    string
	steeringPathwayToken []byte

	// switchDebounce marks the most recent variant switch so onBandwidth
	// can suppress another one inside switchDebounceWindow.
	switchDebounce cache.Cache

	pendingSeekDTS int64
	hasPendingSeek bool
}

// SteeringInfo reports the content-steering manifest server URI and derived
// pathway authentication token, if the opened manifest carried an
// EXT-X-CONTENT-STEERING tag. ok is false otherwise.
func (p *Player) SteeringInfo() (serverURI string, pathwayToken []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.steeringServerURI == "" {
		return "", nil, false
	}
	return p.steeringServerURI, p.steeringPathwayToken, true
}

// SetEventBus attaches an EventBus that receives variant-switch
// notifications (EventVariantSwitch); the Player publishes no
// EventSegmentComplete or EventPlaylistRefresh events. Pass nil to disable
// event publishing.
func (p *Player) SetEventBus(bus *EventBus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = bus
}

// SetSharedKeyCache attaches a process-external AES key cache (e.g.
// RedisKeyStore) consulted ahead of the player's own in-process KeyStore.
func (p *Player) SetSharedKeyCache(shared SharedKeyCache) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys.SetShared(shared)
}

// SetSegmentCache attaches an optional write-through segment cache to
// every currently open session, and to any session opened afterward by a
// variant switch.
func (p *Player) SetSegmentCache(sc SegmentCache) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segmentCache = sc
	for _, s := range p.sessions {
		s.receiver.SetSegmentCache(sc)
	}
}

// Probe reports a confidence score (0-100) that data looks like an M3U8
// manifest, based on the presence of any of the core structural tags.
func Probe(data []byte) int {
	s := bufio.NewScanner(strings.NewReader(string(data)))
	score := 0
	for s.Scan() {
		line := s.Text()
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"),
			strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"),
			strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			score = 100
		case strings.TrimSpace(line) == "#EXTM3U" && score < 50:
			score = 50
		}
	}
	return score
}

// Open parses rootURL, selects an initial variant, and opens one Session
// per playlist in that variant (main stream plus attached renditions).
func Open(ctx context.Context, rootURL string, rt transport.RoundTripper, log logger.Logger, opener demux.Opener, opts Options) (*Player, error) {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}
	if opener == nil {
		opener = demux.NewFrameDemuxer
	}

	keys := NewKeyStore(rt, log)
	parser := NewParser(rt, log)
	info, err := parser.Parse(ctx, rootURL)
	if err != nil {
		return nil, err
	}

	p := &Player{
		info:           info,
		transport:      rt,
		keys:           keys,
		logger:         log,
		opener:         opener,
		manualIdx:      opts.ManualIndex,
		switchDebounce: cache.NewInMemoryCache(4, switchDebounceWindow, cache.EvictionPolicyFIFO),
	}

	p.variants = append([]*Variant{}, info.Variants...)
	sortVariantsByBandwidth(p.variants)

	if len(p.variants) == 0 {
		// Not a master playlist: synthesize a single implicit variant
		// around the root playlist so the rest of the façade is uniform.
		if len(info.Playlists) == 0 {
			return nil, NewParseError("no playlists found", nil)
		}
		p.variants = []*Variant{{Playlists: []*Playlist{info.Playlists[0]}}}
	}

	idx := 0
	if opts.ManualIndex >= 0 {
		if opts.ManualIndex >= len(p.variants) {
			return nil, NewVariantNotFoundError(opts.ManualIndex)
		}
		idx = opts.ManualIndex
	} else {
		p.probing.Store(true)
	}

	if err := p.openVariant(ctx, idx); err != nil {
		return nil, err
	}

	if info.SteeringServerURI != "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err == nil {
			if token, err := DerivePathwayToken(secret, info.SteeringPathwayID); err == nil {
				p.steeringServerURI = info.SteeringServerURI
				p.steeringPathwayToken = token
			} else {
				log.Warn("failed to derive content steering pathway token", logger.Err(err))
			}
		}
	}

	return p, nil
}

func sortVariantsByBandwidth(variants []*Variant) {
	sort.Slice(variants, func(i, j int) bool { return variants[i].Bandwidth < variants[j].Bandwidth })
}

func (p *Player) interrupted() bool { return p.exiting.Load() }

// openVariant tears down any existing sessions and opens one per playlist
// in variants[idx].
func (p *Player) openVariant(ctx context.Context, idx int) error {
	for _, s := range p.sessions {
		s.Close()
	}
	p.sessions = nil

	v := p.variants[idx]
	base := 0
	for i, pl := range v.Playlists {
		kind := KindVideo
		if i > 0 {
			kind = KindAudio
		}
		sess, err := NewSession(ctx, pl, kind, p.transport, p.keys, p.logger, p.opener, p.interrupted, p.onBandwidth)
		if err != nil {
			return err
		}
		if p.segmentCache != nil {
			sess.receiver.SetSegmentCache(p.segmentCache)
		}
		sess.SetStreamBase(base)
		base += sess.StreamCount()
		p.sessions = append(p.sessions, sess)
	}
	p.variantIdx = idx
	return nil
}

// onBandwidth is the Receiver bandwidth callback; it drives variant
// switching for the main-stream Receiver only.
func (p *Player) onBandwidth(pl *Playlist, bandwidthBps int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.probing.Load() {
		p.probing.Store(false)
		return
	}
	if p.manualIdx >= 0 {
		return
	}
	if len(p.sessions) == 0 || p.sessions[0].receiver.currentPlaylist() != pl {
		return
	}

	next := selectVariant(p.variants, bandwidthBps)
	if next == p.variantIdx {
		return
	}

	ctx := context.Background()
	if exists, _ := p.switchDebounce.Exists(ctx, "last"); exists {
		return
	}

	prev := p.variantIdx
	p.logger.Info("switching variant",
		logger.Int("from", prev), logger.Int("to", next),
		logger.Int64("bandwidth_bps", bandwidthBps))

	newMain := p.variants[next].MainPlaylist()
	p.sessions[0].receiver.SwapPlaylist(newMain)
	p.variantIdx = next
	p.switchDebounce.Set(ctx, "last", next, switchDebounceWindow)

	if p.events != nil {
		payload, _ := json.Marshal(map[string]int{"from": prev, "to": next})
		p.events.Publish(Event{Kind: EventVariantSwitch, Data: payload})
	}
}

// selectVariant picks the highest bandwidth strictly less than measured
// (the smallest positive shortfall); among variants with equal bandwidth
// the lowest index wins, and 0 is returned when no variant is below
// measured. This intentionally differs from the
// legacy percentage-buffer algorithm (target = measured*0.9) carried by
// the server-side ABR manager: see DESIGN.md.
func selectVariant(variants []*Variant, measuredBps int64) int {
	best := -1
	var bestShortfall int64 = -1
	for i, v := range variants {
		if int64(v.Bandwidth) >= measuredBps {
			continue
		}
		shortfall := measuredBps - int64(v.Bandwidth)
		if best == -1 || shortfall < bestShortfall {
			best = i
			bestShortfall = shortfall
		}
	}
	if best == -1 {
		return 0
	}
	return best
}

// ReadPacket polls every session for a queued packet and emits the one with
// the lowest DTS under 33-bit modular comparison, tagging segment
// boundaries and remapping stream indices.
func (p *Player) ReadPacket(ctx context.Context) (OutputPacket, error) {
	for {
		if p.interrupted() {
			return OutputPacket{}, ErrAborted
		}

		allEOF := true
		for _, s := range p.sessions {
			if err := s.fill(ctx); err != nil {
				return OutputPacket{}, err
			}
			if !s.eof {
				allEOF = false
			}
		}
		if allEOF {
			return OutputPacket{}, ErrSessionEOF
		}

		best := -1
		for i, s := range p.sessions {
			if s.pending == nil {
				continue
			}
			if best == -1 || modCompareDTS(s.pending.DTS, p.sessions[best].pending.DTS) < 0 {
				best = i
			}
		}
		if best == -1 {
			continue
		}

		s := p.sessions[best]
		pkt := *s.pending
		s.pending = nil

		if p.hasPendingSeek && int64(pkt.DTS) < p.pendingSeekDTS {
			continue
		}
		p.hasPendingSeek = false

		var flags uint32
		if s.segmentChange {
			flags |= PacketFlagSegmentChanged
			s.segmentChange = false
		}

		return OutputPacket{
			StreamIndex: pkt.StreamIndex,
			PTS:         int64(pkt.PTS),
			DTS:         int64(pkt.DTS),
			Data:        pkt.Data,
			KeyFrame:    pkt.KeyFrame,
			Flags:       flags,
		}, nil
	}
}

// modCompareDTS compares two DTS values under 33-bit modular arithmetic,
// returning -1, 0, or 1, with NOPTS (negative) values always sorting
// smallest.
func modCompareDTS(a, b int64) int {
	if a == int64(NoPTS) {
		return -1
	}
	if b == int64(NoPTS) {
		return 1
	}
	diff := (a - b) % ptsModulo
	if diff < -ptsModulo/2 {
		diff += ptsModulo
	} else if diff > ptsModulo/2 {
		diff -= ptsModulo
	}
	switch {
	case diff < 0:
		return -1
	case diff > 0:
		return 1
	default:
		return 0
	}
}

// Seek repositions every session at target (microseconds), discarding
// buffered packets on each until their DTS reaches it.
func (p *Player) Seek(ctx context.Context, target int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sessions {
		if err := s.receiver.Seek(ctx, durationFromMicros(target)); err != nil {
			return err
		}
		s.pending = nil
		s.eof = false
	}
	p.pendingSeekDTS = target
	p.hasPendingSeek = true
	return nil
}

func durationFromMicros(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}

// Close tears down every session.
func (p *Player) Close() error {
	p.exiting.Store(true)
	for _, s := range p.sessions {
		s.Close()
	}
	return nil
}
