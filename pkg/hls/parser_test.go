package hls

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aminofox/zenlive/pkg/hls/transport"
)

// manifestTransport serves fixed playlist text keyed by URL, standing in
// for an origin server in parser tests.
type manifestTransport struct {
	manifests map[string]string
}

type manifestReadCloser struct {
	r   io.Reader
	url string
}

func (m *manifestReadCloser) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *manifestReadCloser) Close() error                { return nil }
func (m *manifestReadCloser) ResolvedURL() string         { return m.url }

func (t *manifestTransport) Open(ctx context.Context, rawURL string, opts transport.Options) (transport.ReadCloser, error) {
	body, ok := t.manifests[rawURL]
	if !ok {
		return nil, NewTransportError("not found: "+rawURL, nil)
	}
	return &manifestReadCloser{r: bytes.NewReader([]byte(body)), url: rawURL}, nil
}

const mediaPlaylistVOD = `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:5
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:9.5,
seg5.ts
#EXTINF:10.0,
seg6.ts
#EXT-X-ENDLIST
`

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000
high/index.m3u8
`

const variantPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:6.0,
seg100.ts
#EXTINF:6.0,
seg101.ts
`

func TestParserMediaPlaylistVOD(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/stream.m3u8": mediaPlaylistVOD,
	}}
	parser := NewParser(rt, nil)

	info, err := parser.Parse(context.Background(), "http://origin/stream.m3u8")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(info.Playlists) != 1 {
		t.Fatalf("expected 1 playlist, got %d", len(info.Playlists))
	}

	pl := info.Playlists[0]
	finished, startSeqNo, segCount, targetDuration, _ := pl.Snapshot()
	if !finished {
		t.Error("expected Finished=true from EXT-X-ENDLIST")
	}
	if startSeqNo != 5 {
		t.Errorf("expected StartSeqNo 5, got %d", startSeqNo)
	}
	if segCount != 2 {
		t.Fatalf("expected 2 segments, got %d", segCount)
	}
	if targetDuration != 10*time.Second {
		t.Errorf("expected target duration 10s, got %v", targetDuration)
	}

	seg0 := pl.SegmentAt(5)
	seg1 := pl.SegmentAt(6)
	if seg0 == nil || seg1 == nil {
		t.Fatal("expected to find segments at sequence 5 and 6")
	}
	if seg0.URL != "http://origin/seg5.ts" {
		t.Errorf("expected resolved relative URL, got %q", seg0.URL)
	}
	// Finished playlists get prefix-sum start PTS assigned.
	if seg0.StartPTS != 0 {
		t.Errorf("expected first segment StartPTS=0, got %v", seg0.StartPTS)
	}
	if seg1.StartPTS != 9500*time.Millisecond {
		t.Errorf("expected second segment StartPTS=9.5s, got %v", seg1.StartPTS)
	}
}

func TestParserMasterPlaylistVariants(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/master.m3u8":    masterPlaylist,
		"http://origin/low/index.m3u8":  variantPlaylist,
		"http://origin/high/index.m3u8": variantPlaylist,
	}}
	parser := NewParser(rt, nil)

	info, err := parser.Parse(context.Background(), "http://origin/master.m3u8")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(info.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(info.Variants))
	}
	if info.Variants[0].Bandwidth != 800000 || info.Variants[1].Bandwidth != 2500000 {
		t.Errorf("unexpected bandwidths: %d, %d", info.Variants[0].Bandwidth, info.Variants[1].Bandwidth)
	}
	if info.Variants[0].MainPlaylist() == nil {
		t.Fatal("expected the low variant to have a resolved main playlist")
	}
	if info.Variants[0].MainPlaylist().SegmentCount() != 2 {
		t.Errorf("expected 2 segments in the low variant, got %d", info.Variants[0].MainPlaylist().SegmentCount())
	}
}

func TestParserLiveRefreshReplacesSegments(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/live.m3u8": `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.0,
seg10.ts
#EXTINF:6.0,
seg11.ts
`,
	}}
	parser := NewParser(rt, nil)

	info, err := parser.Parse(context.Background(), "http://origin/live.m3u8")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	pl := info.Playlists[0]

	rt.manifests["http://origin/live.m3u8"] = `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:12
#EXTINF:6.0,
seg12.ts
#EXTINF:6.0,
seg13.ts
`
	if err := parser.Update(context.Background(), pl); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, startSeqNo, segCount, _, _ := pl.Snapshot()
	if startSeqNo != 12 {
		t.Errorf("expected StartSeqNo advanced to 12 after refresh, got %d", startSeqNo)
	}
	if segCount != 2 {
		t.Errorf("expected 2 segments after refresh, got %d", segCount)
	}
	if pl.SegmentAt(10) != nil {
		t.Error("expected stale sequence 10 to be gone after refresh")
	}
}

func TestParserByteRangeContinuation(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/range.m3u8": `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.0,
#EXT-X-BYTERANGE:1000@0
seg.ts
#EXTINF:4.0,
#EXT-X-BYTERANGE:500
seg.ts
`,
	}}
	parser := NewParser(rt, nil)

	info, err := parser.Parse(context.Background(), "http://origin/range.m3u8")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	pl := info.Playlists[0]

	seg0 := pl.SegmentAt(0)
	seg1 := pl.SegmentAt(1)
	if seg0.Range.Offset != 0 || seg0.Range.Size != 1000 {
		t.Errorf("unexpected first range: %+v", seg0.Range)
	}
	if seg1.Range.Offset != 1000 || seg1.Range.Size != 500 {
		t.Errorf("expected continuation offset 1000, got %+v", seg1.Range)
	}
}

func TestParserKeyIVSynthesisWhenMissing(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/enc.m3u8": `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:3
#EXT-X-KEY:METHOD=AES-128,URI="http://origin/key"
#EXTINF:4.0,
seg3.ts
`,
	}}
	parser := NewParser(rt, nil)

	info, err := parser.Parse(context.Background(), "http://origin/enc.m3u8")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	seg := info.Playlists[0].SegmentAt(3)
	if seg.Key.Method != KeyMethodAES128 {
		t.Fatal("expected AES-128 key method")
	}
	if !seg.Key.HasIV {
		t.Fatal("expected synthesized IV to be marked present")
	}
	want := synthesizeIV(3)
	if seg.Key.IV != want {
		t.Errorf("expected synthesized IV matching seqNo 3, got %v", seg.Key.IV)
	}
}

func TestParserSubtitleRenditionHasNoPlaylist(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/sub.m3u8": `#EXTM3U
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",URI="subs/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1000000,SUBTITLES="subs"
video/index.m3u8
`,
		"http://origin/video/index.m3u8": variantPlaylist,
	}}
	parser := NewParser(rt, nil)

	info, err := parser.Parse(context.Background(), "http://origin/sub.m3u8")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(info.Renditions) != 1 {
		t.Fatalf("expected 1 rendition, got %d", len(info.Renditions))
	}
	if info.Renditions[0].Playlist != nil {
		t.Error("expected subtitle rendition to have no backing playlist")
	}
}

func TestParserMissingEXTM3UHeaderFails(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/bad.m3u8": "not a playlist\n",
	}}
	parser := NewParser(rt, nil)

	_, err := parser.Parse(context.Background(), "http://origin/bad.m3u8")
	if err == nil {
		t.Fatal("expected an error for a manifest missing #EXTM3U")
	}
}

const mediaPlaylistWithSteering = `#EXTM3U
#EXT-X-CONTENT-STEERING:SERVER-URI="steering.json",PATHWAY-ID="CDN-A"
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:5
#EXTINF:9.5,
seg5.ts
`

func TestParserContentSteeringTag(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/stream.m3u8": mediaPlaylistWithSteering,
	}}
	parser := NewParser(rt, nil)

	info, err := parser.Parse(context.Background(), "http://origin/stream.m3u8")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if info.SteeringServerURI != "http://origin/steering.json" {
		t.Errorf("expected resolved steering server URI, got %q", info.SteeringServerURI)
	}
	if info.SteeringPathwayID != "CDN-A" {
		t.Errorf("expected pathway id CDN-A, got %q", info.SteeringPathwayID)
	}
}
