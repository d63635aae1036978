package demux

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestFrameDemuxerRoundTrip(t *testing.T) {
	pkt := Packet{StreamIndex: 1, PTS: 1000, DTS: 900, Data: []byte("payload"), KeyFrame: true}
	encoded := EncodeFrame(pkt)

	d, err := NewFrameDemuxer(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("NewFrameDemuxer failed: %v", err)
	}

	got, err := d.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if got.StreamIndex != 1 || got.PTS != 1000 || got.DTS != 900 || !got.KeyFrame {
		t.Errorf("unexpected packet fields: %+v", got)
	}
	if string(got.Data) != "payload" {
		t.Errorf("expected payload bytes preserved, got %q", got.Data)
	}
}

func TestFrameDemuxerMultiplePackets(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeFrame(Packet{StreamIndex: 0, PTS: 0, DTS: 0, Data: []byte("a")}))
	buf.Write(EncodeFrame(Packet{StreamIndex: 0, PTS: time.Duration(1000), DTS: time.Duration(1000), Data: []byte("b")}))

	d, err := NewFrameDemuxer(&buf)
	if err != nil {
		t.Fatalf("NewFrameDemuxer failed: %v", err)
	}

	first, err := d.ReadPacket()
	if err != nil || string(first.Data) != "a" {
		t.Fatalf("expected first packet 'a', got %+v err=%v", first, err)
	}
	second, err := d.ReadPacket()
	if err != nil || string(second.Data) != "b" {
		t.Fatalf("expected second packet 'b', got %+v err=%v", second, err)
	}
}

func TestFrameDemuxerEOFAtSegmentBoundary(t *testing.T) {
	d, err := NewFrameDemuxer(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewFrameDemuxer failed: %v", err)
	}
	_, err = d.ReadPacket()
	if err != ErrEOF {
		t.Errorf("expected ErrEOF on an empty reader, got %v", err)
	}
}

func TestFrameDemuxerTruncatedHeader(t *testing.T) {
	encoded := EncodeFrame(Packet{StreamIndex: 0, Data: []byte("x")})
	d, err := NewFrameDemuxer(bytes.NewReader(encoded[:len(encoded)-3]))
	if err != nil {
		t.Fatalf("NewFrameDemuxer failed: %v", err)
	}
	_, err = d.ReadPacket()
	if err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF for truncated data, got %v", err)
	}
}

func TestFrameDemuxerStreamCount(t *testing.T) {
	d, err := NewFrameDemuxer(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewFrameDemuxer failed: %v", err)
	}
	if d.StreamCount() != 1 {
		t.Errorf("expected reference demuxer to report 1 stream, got %d", d.StreamCount())
	}
}
