// Package demux declares the narrow container-demuxer contract the HLS
// client's Session drives, and ships a minimal length-prefixed-frame
// demuxer so the prefetch/merge pipeline is exercisable end to end without
// a full MPEG-TS or fMP4 implementation. Real container parsing is a host
// concern (see SPEC_FULL.md OUT OF SCOPE).
package demux

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// ErrEOF signals the current segment's frames are exhausted; the Session
// advances to the next segment and reopens the demuxer.
var ErrEOF = errors.New("demux: segment exhausted")

// Packet is one demuxed access unit. PTS/DTS are raw integer timestamps in
// the container's native timebase (not true time.Duration nanoseconds);
// time.Duration is reused here purely as a convenient signed 64-bit carrier
// that callers rescale to a global timebase during merge.
type Packet struct {
	StreamIndex int
	PTS         time.Duration
	DTS         time.Duration
	Data        []byte
	KeyFrame    bool
}

// Demuxer parses packets out of one segment's byte stream. A new instance
// is created per segment by Opener; Close releases any resources tied to
// the current segment's I/O.
type Demuxer interface {
	// ReadPacket returns the next packet, or ErrEOF when the segment's
	// frames are exhausted, or io.ErrUnexpectedEOF on a truncated read.
	ReadPacket() (Packet, error)
	// StreamCount reports how many elementary streams this demuxer
	// exposes (stable across segments of the same rendition).
	StreamCount() int
	Close() error
}

// Opener constructs a Demuxer bound to r, probing its header as needed.
type Opener func(r io.Reader) (Demuxer, error)

// frameDemuxer reads a trivial self-describing frame format:
// [stream uint8][keyframe uint8][pts int64][dts int64][len uint32][data].
// It exists purely to give the pipeline a concrete, testable container.
type frameDemuxer struct {
	r      io.Reader
	nextID int
}

// NewFrameDemuxer is a demux.Opener for the reference frame format.
func NewFrameDemuxer(r io.Reader) (Demuxer, error) {
	return &frameDemuxer{r: r}, nil
}

func (d *frameDemuxer) StreamCount() int { return 1 }

func (d *frameDemuxer) ReadPacket() (Packet, error) {
	var header [1 + 1 + 8 + 8 + 4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF {
			return Packet{}, ErrEOF
		}
		return Packet{}, err
	}
	stream := int(header[0])
	keyFrame := header[1] != 0
	pts := time.Duration(int64(binary.BigEndian.Uint64(header[2:10])))
	dts := time.Duration(int64(binary.BigEndian.Uint64(header[10:18])))
	length := binary.BigEndian.Uint32(header[18:22])

	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(d.r, data); err != nil {
			return Packet{}, io.ErrUnexpectedEOF
		}
	}
	return Packet{StreamIndex: stream, PTS: pts, DTS: dts, Data: data, KeyFrame: keyFrame}, nil
}

func (d *frameDemuxer) Close() error { return nil }

// EncodeFrame serializes one frame in the reference format, for tests that
// synthesize segment bodies.
func EncodeFrame(p Packet) []byte {
	out := make([]byte, 1+1+8+8+4+len(p.Data))
	out[0] = byte(p.StreamIndex)
	if p.KeyFrame {
		out[1] = 1
	}
	binary.BigEndian.PutUint64(out[2:10], uint64(int64(p.PTS)))
	binary.BigEndian.PutUint64(out[10:18], uint64(int64(p.DTS)))
	binary.BigEndian.PutUint32(out[18:22], uint32(len(p.Data)))
	copy(out[22:], p.Data)
	return out
}
