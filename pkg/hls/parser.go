package hls

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
)

// reKeyValue tokenizes comma-separated KEY=VALUE attribute lists, where
// VALUE may be a bare token or a double-quoted string containing commas.
var reKeyValue = regexp.MustCompile(`([A-Za-z0-9-]+)=(\"[^\"]*\"|[^,]*)`)

// Parser parses and refreshes M3U8 manifests into an HLSInfo tree.
type Parser struct {
	transport transport.RoundTripper
	logger    logger.Logger
}

// NewParser creates a Parser bound to the given transport.
func NewParser(rt transport.RoundTripper, log logger.Logger) *Parser {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}
	return &Parser{transport: rt, logger: log}
}

// decodeAttributes splits a comma-joined attribute list into a key->value
// map, de-quoting quoted values. Grounded on the regex-attribute-tokenizer
// idiom common to Go M3U8 parsers.
func decodeAttributes(s string) map[string]string {
	out := make(map[string]string)
	for _, m := range reKeyValue.FindAllStringSubmatch(s, -1) {
		key := strings.ToUpper(strings.TrimSpace(m[1]))
		out[key] = deQuote(strings.TrimSpace(m[2]))
	}
	return out
}

func deQuote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// parseState accumulates cross-line context while scanning one playlist.
type parseState struct {
	baseURL *url.URL
	info    *HLSInfo

	playlist *Playlist // the playlist being populated (child fetch target)

	currentVariant   *Variant
	pendingSegDur    time.Duration
	havePendingSeg   bool
	currentKey       KeyInfo
	haveKey          bool
	currentInit      *InitSection
	pendingByteSize  int64
	pendingByteOff   int64
	havePendingRange bool
	segmentOffset    int64
	haveOffset       bool
}

// Parse fetches and parses the root manifest at rootURL, resolving any
// master-playlist children and cross-attaching renditions to variants.
func (p *Parser) Parse(ctx context.Context, rootURL string) (*HLSInfo, error) {
	info := &HLSInfo{}

	rootPlaylist, err := p.parseOnePlaylist(ctx, info, rootURL)
	if err != nil {
		return nil, err
	}

	isMaster := len(info.Playlists) > 1 || rootPlaylist.SegmentCount() == 0
	if isMaster {
		for _, pl := range append([]*Playlist{}, info.Playlists...) {
			if pl.SegmentCount() > 0 || pl == rootPlaylist && pl.URL == rootURL {
				continue
			}
			if _, err := p.parseOnePlaylist(ctx, info, pl.URL); err != nil {
				return nil, err
			}
		}
	}

	for _, pl := range info.Playlists {
		finished, _, _, _, _ := pl.Snapshot()
		if finished {
			pl.mu.Lock()
			assignStartPTS(pl.Segments)
			pl.mu.Unlock()
		}
	}

	attachRenditionsToVariants(info)
	return info, nil
}

// attachRenditionsToVariants matches each Rendition against every Variant
// sharing its non-empty group id and media kind, appending the rendition's
// playlist to the variant's Playlists or, if it has none, appending the
// rendition record to the Renditions of the variant's main playlist.
func attachRenditionsToVariants(info *HLSInfo) {
	for _, v := range info.Variants {
		for _, r := range info.Renditions {
			groupMatches := false
			switch r.Kind {
			case KindAudio:
				groupMatches = v.AudioGroup != "" && v.AudioGroup == r.GroupID
			case KindVideo:
				groupMatches = v.VideoGroup != "" && v.VideoGroup == r.GroupID
			case KindSubtitle, KindClosedCaptions:
				groupMatches = v.SubtitleGroup != "" && v.SubtitleGroup == r.GroupID
			}
			if !groupMatches {
				continue
			}
			if r.Playlist != nil {
				v.Playlists = append(v.Playlists, r.Playlist)
			} else if len(v.Playlists) > 0 {
				v.Playlists[0].mu.Lock()
				v.Playlists[0].Renditions = append(v.Playlists[0].Renditions, r)
				v.Playlists[0].mu.Unlock()
			}
		}
	}
}

// Update re-fetches a live playlist's URL and replaces its segment list in
// place. Per the resolved Open Question, the cursor-facing semantics
// (cursor stays on its absolute sequence number, skipping forward if the
// new list starts past it) are the caller's (Receiver's) responsibility;
// Update itself only replaces data.
func (p *Parser) Update(ctx context.Context, pl *Playlist) error {
	info := &HLSInfo{}
	fresh, err := p.parseOnePlaylist(ctx, info, pl.URL)
	if err != nil {
		return err
	}
	pl.replace(fresh)
	return nil
}

func (p *Parser) parseOnePlaylist(ctx context.Context, info *HLSInfo, playlistURL string) (*Playlist, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, NewParseError("invalid playlist URL", err)
	}

	rc, err := p.transport.Open(ctx, playlistURL, transport.Options{Offset: -1, EndOffset: -1})
	if err != nil {
		return nil, NewTransportError("failed to open playlist", err)
	}
	defer rc.Close()

	if resolved := rc.ResolvedURL(); resolved != "" {
		if u, err := url.Parse(resolved); err == nil {
			base = u
			playlistURL = resolved
		}
	}

	st := &parseState{baseURL: base, info: info}
	pl := info.ensurePlaylist(playlistURL)
	pl.LastLoad = time.Now()
	st.playlist = pl

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if first {
			if strings.TrimSpace(line) != "#EXTM3U" {
				return nil, NewParseError("missing #EXTM3U header", nil)
			}
			first = false
			continue
		}
		if line == "" {
			continue
		}
		if err := p.handleLine(st, line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewParseError("scan failed", err)
	}

	return pl, nil
}

func (p *Parser) handleLine(st *parseState, line string) error {
	switch {
	case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
		return p.handleStreamInf(st, line)
	case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
		return p.handleMedia(st, line)
	case strings.HasPrefix(line, "#EXTINF:"):
		return p.handleExtInf(st, line)
	case strings.HasPrefix(line, "#EXT-X-KEY:"):
		return p.handleKey(st, line)
	case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
		v := strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return NewParseError("bad EXT-X-TARGETDURATION", err)
		}
		st.playlist.mu.Lock()
		st.playlist.TargetDuration = time.Duration(secs * float64(time.Second))
		st.playlist.mu.Unlock()
	case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
		v := strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:")
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return NewParseError("bad EXT-X-MEDIA-SEQUENCE", err)
		}
		st.playlist.mu.Lock()
		st.playlist.StartSeqNo = n
		st.playlist.mu.Unlock()
	case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
		v := strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:"))
		st.playlist.mu.Lock()
		switch strings.ToUpper(v) {
		case "EVENT":
			st.playlist.Type = PlaylistTypeEvent
		case "VOD":
			st.playlist.Type = PlaylistTypeVOD
		}
		st.playlist.mu.Unlock()
	case line == "#EXT-X-ENDLIST":
		st.playlist.mu.Lock()
		st.playlist.Finished = true
		st.playlist.mu.Unlock()
	case strings.HasPrefix(line, "#EXT-X-MAP:"):
		return p.handleMap(st, line)
	case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
		return p.handleByteRange(st, strings.TrimPrefix(line, "#EXT-X-BYTERANGE:"))
	case strings.HasPrefix(line, "#EXT-X-CONTENT-STEERING:"):
		return p.handleContentSteering(st, line)
	case strings.HasPrefix(line, "#"):
		// unrecognized tag or comment; ignored
	default:
		return p.handleURI(st, line)
	}
	return nil
}

func (p *Parser) handleStreamInf(st *parseState, line string) error {
	attrs := decodeAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
	bw, _ := strconv.Atoi(attrs["BANDWIDTH"])
	v := &Variant{
		Bandwidth:     bw,
		AudioGroup:    attrs["AUDIO"],
		VideoGroup:    attrs["VIDEO"],
		SubtitleGroup: attrs["SUBTITLES"],
	}
	st.info.Variants = append(st.info.Variants, v)
	st.currentVariant = v
	return nil
}

func (p *Parser) handleMedia(st *parseState, line string) error {
	attrs := decodeAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
	kind := mediaKindFromType(attrs["TYPE"])

	if kind == KindSubtitle {
		// The URI is nominally mandatory for subtitle renditions, but no
		// component in this pipeline consumes subtitle playback (the
		// prefetch/demux path supports audio and video only), matching
		// the upstream reference decoder's refusal to open subtitle
		// playlists. We still record the Rendition so callers can
		// enumerate it; we simply never give it a backing Playlist.
		r := &Rendition{
			Kind:        kind,
			GroupID:     attrs["GROUP-ID"],
			Language:    attrs["LANGUAGE"],
			Name:        attrs["NAME"],
			Disposition: dispositionFlags(attrs),
		}
		st.info.Renditions = append(st.info.Renditions, r)
		return nil
	}

	r := &Rendition{
		Kind:          kind,
		GroupID:       attrs["GROUP-ID"],
		Language:      attrs["LANGUAGE"],
		AssocLanguage: attrs["ASSOC-LANGUAGE"],
		Name:          attrs["NAME"],
		Disposition:   dispositionFlags(attrs),
	}
	if uri, ok := attrs["URI"]; ok && uri != "" {
		abs, err := absoluteURL(st.baseURL, uri)
		if err != nil {
			return NewParseError("bad rendition URI", err)
		}
		r.Playlist = st.info.ensurePlaylist(abs)
	}
	st.info.Renditions = append(st.info.Renditions, r)
	return nil
}

func mediaKindFromType(t string) MediaKind {
	switch strings.ToUpper(t) {
	case "AUDIO":
		return KindAudio
	case "VIDEO":
		return KindVideo
	case "SUBTITLES":
		return KindSubtitle
	case "CLOSED-CAPTIONS":
		return KindClosedCaptions
	default:
		return KindUnknown
	}
}

func dispositionFlags(attrs map[string]string) uint32 {
	var d uint32
	if yesOrNo(attrs["DEFAULT"]) {
		d |= DispositionDefault
	}
	if yesOrNo(attrs["FORCED"]) {
		d |= DispositionForced
	}
	chars := attrs["CHARACTERISTICS"]
	if strings.Contains(chars, "public.accessibility.describes-music-and-sound") {
		d |= DispositionHearingImpaired
	}
	if strings.Contains(chars, "public.accessibility.describes-video") {
		d |= DispositionVisualImpaired
	}
	return d
}

func yesOrNo(s string) bool { return strings.EqualFold(s, "YES") }

func (p *Parser) handleExtInf(st *parseState, line string) error {
	v := strings.TrimPrefix(line, "#EXTINF:")
	if idx := strings.Index(v, ","); idx >= 0 {
		v = v[:idx]
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return NewParseError("bad EXTINF duration", err)
	}
	st.pendingSegDur = time.Duration(secs * float64(time.Second))
	st.havePendingSeg = true
	return nil
}

func (p *Parser) handleKey(st *parseState, line string) error {
	attrs := decodeAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
	method := strings.ToUpper(attrs["METHOD"])
	if method == "NONE" {
		st.currentKey = KeyInfo{}
		st.haveKey = false
		return nil
	}
	key := KeyInfo{Method: KeyMethodAES128, URI: attrs["URI"]}
	if uri := attrs["URI"]; uri != "" {
		abs, err := absoluteURL(st.baseURL, uri)
		if err != nil {
			return NewParseError("bad key URI", err)
		}
		key.URI = abs
	}
	if ivHex, ok := attrs["IV"]; ok {
		ivHex = strings.TrimPrefix(strings.TrimPrefix(ivHex, "0x"), "0X")
		raw, err := hex.DecodeString(ivHex)
		if err != nil || len(raw) != 16 {
			return NewParseError("bad EXT-X-KEY IV", err)
		}
		copy(key.IV[:], raw)
		key.HasIV = true
	}
	st.currentKey = key
	st.haveKey = true
	return nil
}

func (p *Parser) handleMap(st *parseState, line string) error {
	attrs := decodeAttributes(strings.TrimPrefix(line, "#EXT-X-MAP:"))
	uri := attrs["URI"]
	abs, err := absoluteURL(st.baseURL, uri)
	if err != nil {
		return NewParseError("bad EXT-X-MAP URI", err)
	}

	sec := &InitSection{URL: abs, Range: ByteRange{Size: -1}}
	if br, ok := attrs["BYTERANGE"]; ok {
		size, offset, err := parseByteRangeSpec(br, 0, false)
		if err != nil {
			return NewParseError("bad EXT-X-MAP BYTERANGE", err)
		}
		sec.Range = ByteRange{Size: size, Offset: offset}
	}
	if st.haveKey {
		sec.Key = st.currentKey
	}

	st.playlist.mu.Lock()
	st.playlist.InitSections = append(st.playlist.InitSections, sec)
	st.playlist.mu.Unlock()
	st.currentInit = sec
	return nil
}

// parseByteRangeSpec parses "size@offset" (offset optional). When offset is
// omitted, continuation is the caller's responsibility (prevOffset/havePrev
// supplies the running cursor for #EXT-X-BYTERANGE's implicit continuation
// rule).
func parseByteRangeSpec(spec string, prevOffset int64, havePrev bool) (size, offset int64, err error) {
	parts := strings.SplitN(spec, "@", 2)
	size, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if len(parts) == 2 {
		offset, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return 0, 0, err
		}
		return size, offset, nil
	}
	if !havePrev {
		return 0, 0, fmt.Errorf("byterange offset required on first use")
	}
	return size, prevOffset, nil
}

func (p *Parser) handleContentSteering(st *parseState, line string) error {
	attrs := decodeAttributes(strings.TrimPrefix(line, "#EXT-X-CONTENT-STEERING:"))
	uri := attrs["SERVER-URI"]
	if uri == "" {
		return nil
	}
	abs, err := absoluteURL(st.baseURL, uri)
	if err != nil {
		return NewParseError("bad EXT-X-CONTENT-STEERING SERVER-URI", err)
	}
	st.info.SteeringServerURI = abs
	st.info.SteeringPathwayID = attrs["PATHWAY-ID"]
	return nil
}

func (p *Parser) handleByteRange(st *parseState, spec string) error {
	size, offset, err := parseByteRangeSpec(spec, st.segmentOffset, st.haveOffset)
	if err != nil {
		return NewParseError("bad EXT-X-BYTERANGE", err)
	}
	st.pendingByteSize = size
	st.pendingByteOff = offset
	st.havePendingRange = true
	return nil
}

func (p *Parser) handleURI(st *parseState, line string) error {
	abs, err := absoluteURL(st.baseURL, line)
	if err != nil {
		return NewParseError("bad URI", err)
	}

	if st.havePendingSeg {
		st.playlist.mu.Lock()
		seqNo := st.playlist.StartSeqNo + uint64(len(st.playlist.Segments))
		st.playlist.mu.Unlock()

		seg := &Segment{
			URL:      abs,
			SeqNo:    seqNo,
			Duration: st.pendingSegDur,
			StartPTS: NoPTS,
			Range:    ByteRange{Size: -1},
			Init:     st.currentInit,
		}
		if st.havePendingRange {
			seg.Range = ByteRange{Size: st.pendingByteSize, Offset: st.pendingByteOff}
			st.segmentOffset = st.pendingByteOff + st.pendingByteSize
			st.haveOffset = true
			st.havePendingRange = false
		}
		if st.haveKey {
			key := st.currentKey
			if !key.HasIV {
				key.IV = synthesizeIV(seqNo)
				key.HasIV = true
			}
			seg.Key = key
		}

		st.playlist.mu.Lock()
		st.playlist.Segments = append(st.playlist.Segments, seg)
		st.playlist.mu.Unlock()
		st.havePendingSeg = false
		return nil
	}

	if st.currentVariant != nil && st.currentVariant.MainPlaylist() == nil {
		pl := st.info.ensurePlaylist(abs)
		st.currentVariant.Playlists = append(st.currentVariant.Playlists, pl)
		st.currentVariant = nil
	}
	return nil
}
