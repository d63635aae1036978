package hls

import (
	"context"
	"io"
	"time"

	"github.com/aminofox/zenlive/pkg/hls/demux"
	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
	"github.com/google/uuid"
)

// receiverIOAdapter lets a demux.Opener pull bytes from a Receiver as an
// io.Reader, since the demuxer contract only needs a plain Reader.
type receiverIOAdapter struct {
	ctx context.Context
	r   *Receiver
}

func (a *receiverIOAdapter) Read(p []byte) (int, error) {
	n, err := a.r.Read(a.ctx, p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// Session binds one Playlist's Receiver to a container demuxer, tracking
// per-stream index remapping and segment-boundary state for the façade's
// merge loop.
type Session struct {
	ID   string
	Kind MediaKind

	receiver *Receiver
	opener   demux.Opener
	demuxer  demux.Demuxer

	streamBase    int // outward index of this session's stream 0
	segmentChange bool
	eof           bool

	pending    *demux.Packet
	lastSegPTS time.Duration
}

// NewSession creates a Session over pl, opening the first segment's demuxer
// immediately so StreamCount is available to the caller.
func NewSession(ctx context.Context, pl *Playlist, kind MediaKind, rt transport.RoundTripper, keys *KeyStore, log logger.Logger, opener demux.Opener, parentIntr InterruptFunc, onBandwidth BandwidthCallback) (*Session, error) {
	recv := NewReceiver(pl, rt, keys, log, parentIntr, onBandwidth)
	recv.Start(ctx)

	s := &Session{
		ID:       uuid.NewString(),
		Kind:     kind,
		receiver: recv,
		opener:   opener,
	}
	d, err := opener(&receiverIOAdapter{ctx: ctx, r: recv})
	if err != nil {
		recv.Stop()
		return nil, NewParseError("failed to open session demuxer", err)
	}
	s.demuxer = d
	return s, nil
}

// SetStreamBase assigns the outward stream-index offset for this session's
// elementary streams.
func (s *Session) SetStreamBase(base int) { s.streamBase = base }

func (s *Session) StreamCount() int {
	if s.demuxer == nil {
		return 0
	}
	return s.demuxer.StreamCount()
}

// fill ensures the session has a queued packet (or is marked EOF),
// advancing to the next segment's demuxer on a per-segment EOF.
func (s *Session) fill(ctx context.Context) error {
	if s.pending != nil || s.eof {
		return nil
	}
	for {
		pkt, err := s.demuxer.ReadPacket()
		if err == nil {
			pkt.StreamIndex += s.streamBase
			pkt.PTS += s.lastSegPTS
			pkt.DTS += s.lastSegPTS
			s.pending = &pkt
			return nil
		}
		if err == demux.ErrEOF {
			if s.demuxer != nil {
				s.demuxer.Close()
			}
			s.lastSegPTS = s.receiver.LastSegmentStartPTS()
			d, openErr := s.opener(&receiverIOAdapter{ctx: ctx, r: s.receiver})
			if openErr != nil {
				s.eof = true
				return nil
			}
			s.demuxer = d
			s.segmentChange = true
			continue
		}
		if err == io.ErrUnexpectedEOF || isSessionEOF(err) {
			s.eof = true
			return nil
		}
		return NewTransportError("session read failed", err)
	}
}

func isSessionEOF(err error) bool {
	type coded interface{ Unwrap() error }
	for e := err; e != nil; {
		if e == ErrSessionEOF {
			return true
		}
		u, ok := e.(coded)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}

// Close tears down the session's demuxer and receiver.
func (s *Session) Close() error {
	if s.demuxer != nil {
		s.demuxer.Close()
	}
	s.receiver.Stop()
	return nil
}
