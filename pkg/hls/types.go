// Package hls implements a pull-based HTTP Live Streaming client: playlist
// parsing and refresh, concurrent segment prefetch with AES-128 decryption,
// bounded producer/consumer buffering, init-section caching, bandwidth-driven
// variant switching, and multi-session packet merging.
package hls

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// NoPTS marks an unknown or not-yet-assigned presentation timestamp.
const NoPTS time.Duration = -1

// MediaKind identifies the media type carried by a Rendition or Segment.
type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindAudio
	KindVideo
	KindSubtitle
	KindClosedCaptions
)

func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "AUDIO"
	case KindVideo:
		return "VIDEO"
	case KindSubtitle:
		return "SUBTITLES"
	case KindClosedCaptions:
		return "CLOSED-CAPTIONS"
	default:
		return "UNKNOWN"
	}
}

// Disposition flags mirror the EXT-X-MEDIA attributes that select a
// preferred or accessibility rendition.
const (
	DispositionDefault uint32 = 1 << iota
	DispositionForced
	DispositionHearingImpaired
	DispositionVisualImpaired
)

// PlaylistType is the value of the EXT-X-PLAYLIST-TYPE tag.
type PlaylistType int

const (
	PlaylistTypeUnspecified PlaylistType = iota
	PlaylistTypeEvent
	PlaylistTypeVOD
)

// KeyMethod is the encryption method named by an EXT-X-KEY tag.
type KeyMethod int

const (
	KeyMethodNone KeyMethod = iota
	KeyMethodAES128
)

// KeyInfo describes the encryption applied to a Segment or InitSection.
type KeyInfo struct {
	Method KeyMethod
	URI    string
	IV     [16]byte
	HasIV  bool
}

// ByteRange is a EXT-X-BYTERANGE request; Size == -1 means "whole resource".
type ByteRange struct {
	Size   int64
	Offset int64
}

// WholeResource reports whether the range covers the entire resource.
func (r ByteRange) WholeResource() bool { return r.Size < 0 }

// InitSection is an independently cacheable media-initialization blob
// (fMP4 "ftyp"+"moov", or similar), keyed by its absolute URL.
type InitSection struct {
	URL   string
	Range ByteRange
	Key   KeyInfo
}

// Segment is one downloadable media chunk referenced from a Playlist.
type Segment struct {
	URL      string
	SeqNo    uint64
	Duration time.Duration
	StartPTS time.Duration // NoPTS until the owning playlist is finished
	Range    ByteRange
	Key      KeyInfo
	Init     *InitSection
}

// Rendition is an alternate media stream declared by EXT-X-MEDIA.
type Rendition struct {
	Kind          MediaKind
	GroupID       string
	Language      string
	AssocLanguage string
	Name          string
	Disposition   uint32
	Playlist      *Playlist // nil when the rendition has no own URI
}

// Playlist is an ordered list of segments served from one URL. A Playlist
// may be the main (video or muxed) stream of a Variant, or the backing
// stream of a Rendition.
type Playlist struct {
	mu sync.RWMutex

	URL            string
	Finished       bool
	Type           PlaylistType
	TargetDuration time.Duration
	StartSeqNo     uint64
	Segments       []*Segment
	InitSections   []*InitSection
	Renditions     []*Rendition
	LastLoad       time.Time
}

// NewPlaylist creates an empty Playlist for the given absolute URL.
func NewPlaylist(absURL string) *Playlist {
	return &Playlist{URL: absURL}
}

// SegmentCount returns the number of segments currently held.
func (p *Playlist) SegmentCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.Segments)
}

// SegmentAt returns the segment at the given media-sequence index, or nil
// if it is out of range of the currently loaded window.
func (p *Playlist) SegmentAt(seqNo uint64) *Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if seqNo < p.StartSeqNo {
		return nil
	}
	idx := int(seqNo - p.StartSeqNo)
	if idx < 0 || idx >= len(p.Segments) {
		return nil
	}
	return p.Segments[idx]
}

// Snapshot returns the fields needed by the receiver's prefetch loop under
// a single lock acquisition.
func (p *Playlist) Snapshot() (finished bool, startSeqNo uint64, segCount int, targetDuration time.Duration, lastSegDuration time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	finished = p.Finished
	startSeqNo = p.StartSeqNo
	segCount = len(p.Segments)
	targetDuration = p.TargetDuration
	if segCount > 0 {
		lastSegDuration = p.Segments[segCount-1].Duration
	}
	return
}

// replace swaps this playlist's mutable state with a freshly-parsed one,
// recomputing prefix-sum start PTS when the new playlist is finished. It is
// only ever called on the Playlist owned by the live instance, never on a
// throwaway parse result.
func (p *Playlist) replace(fresh *Playlist) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Finished = fresh.Finished
	p.Type = fresh.Type
	p.TargetDuration = fresh.TargetDuration
	p.StartSeqNo = fresh.StartSeqNo
	p.Segments = fresh.Segments
	p.InitSections = fresh.InitSections
	p.LastLoad = fresh.LastLoad
	if p.Finished {
		assignStartPTS(p.Segments)
	}
}

// assignStartPTS computes the prefix-sum of segment durations in place.
func assignStartPTS(segs []*Segment) {
	var acc time.Duration
	for _, s := range segs {
		s.StartPTS = acc
		acc += s.Duration
	}
}

// Variant is one bandwidth tier of a master playlist.
type Variant struct {
	Bandwidth     int
	AudioGroup    string
	VideoGroup    string
	SubtitleGroup string
	// Playlists[0] is the main stream; subsequent entries are attached
	// rendition playlists.
	Playlists []*Playlist
}

// MainPlaylist returns the variant's primary (video or muxed) playlist.
func (v *Variant) MainPlaylist() *Playlist {
	if len(v.Playlists) == 0 {
		return nil
	}
	return v.Playlists[0]
}

// HLSInfo is the root of a fully parsed manifest tree.
type HLSInfo struct {
	Playlists  []*Playlist
	Variants   []*Variant
	Renditions []*Rendition

	// SteeringServerURI and SteeringPathwayID come from an
	// EXT-X-CONTENT-STEERING tag, if the manifest carries one.
	SteeringServerURI string
	SteeringPathwayID string
}

// findPlaylist returns the existing Playlist for an absolute URL, if any.
func (info *HLSInfo) findPlaylist(absURL string) *Playlist {
	for _, p := range info.Playlists {
		if p.URL == absURL {
			return p
		}
	}
	return nil
}

// ensurePlaylist returns the existing Playlist for absURL, or creates,
// registers, and returns a new one.
func (info *HLSInfo) ensurePlaylist(absURL string) *Playlist {
	if p := info.findPlaylist(absURL); p != nil {
		return p
	}
	p := NewPlaylist(absURL)
	info.Playlists = append(info.Playlists, p)
	return p
}

// absoluteURL resolves ref against base, matching the parser's handling of
// relative segment and playlist URIs.
func absoluteURL(base *url.URL, ref string) (string, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(refURL).String(), nil
}
