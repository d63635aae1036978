package hls

import (
	"context"
	"testing"

	"github.com/aminofox/zenlive/pkg/hls/demux"
)

func TestOpenAndReadPacketSingleVariant(t *testing.T) {
	seg0 := demux.EncodeFrame(demux.Packet{StreamIndex: 0, PTS: 0, DTS: 0, Data: []byte("f0"), KeyFrame: true})
	seg1 := demux.EncodeFrame(demux.Packet{StreamIndex: 0, PTS: 1000, DTS: 1000, Data: []byte("f1")})

	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/media.m3u8": `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:2.0,
seg0.bin
#EXTINF:2.0,
seg1.bin
#EXT-X-ENDLIST
`,
		"http://origin/seg0.bin": string(seg0),
		"http://origin/seg1.bin": string(seg1),
	}}

	p, err := Open(context.Background(), "http://origin/media.m3u8", rt, nil, demux.NewFrameDemuxer, Options{ManualIndex: 0})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	pkt1, err := p.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("first ReadPacket failed: %v", err)
	}
	if string(pkt1.Data) != "f0" {
		t.Errorf("expected first packet 'f0', got %q", pkt1.Data)
	}

	pkt2, err := p.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("second ReadPacket failed: %v", err)
	}
	if string(pkt2.Data) != "f1" {
		t.Errorf("expected second packet 'f1', got %q", pkt2.Data)
	}
	if pkt2.Flags&PacketFlagSegmentChanged == 0 {
		t.Error("expected PacketFlagSegmentChanged set on the first packet of the next segment")
	}

	_, err = p.ReadPacket(context.Background())
	if err != ErrSessionEOF {
		t.Errorf("expected ErrSessionEOF once both segments are exhausted, got %v", err)
	}
}

func TestOpenRejectsOutOfRangeManualIndex(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{
		"http://origin/media.m3u8": `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:2.0,
seg0.bin
#EXT-X-ENDLIST
`,
		"http://origin/seg0.bin": "x",
	}}

	_, err := Open(context.Background(), "http://origin/media.m3u8", rt, nil, demux.NewFrameDemuxer, Options{ManualIndex: 5})
	if err == nil {
		t.Fatal("expected an error for an out-of-range manual variant index")
	}
}
