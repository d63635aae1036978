package hls

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
	"github.com/google/uuid"
)

// MediaObjectState is the lifecycle of a single download attempt.
type MediaObjectState int32

const (
	StateNotStarted MediaObjectState = iota
	StateStarted
	StateInProgress
	StateRequestAbort
	StateAborted
	StateCompleted
)

func (s MediaObjectState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateStarted:
		return "Started"
	case StateInProgress:
		return "InProgress"
	case StateRequestAbort:
		return "RequestAbort"
	case StateAborted:
		return "Aborted"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// downloadChunkSize is the read granularity of a MediaObject's worker loop.
const downloadChunkSize = 32 * 1024

// againBackoff is the cooperative sleep applied when the transport signals
// a transient "try again" condition.
const againBackoff = 20 * time.Millisecond

// InterruptFunc reports whether an in-flight operation should abort. It
// composes a parent-supplied predicate with each component's own local
// abort flag, matching the source's composable interrupt callback.
type InterruptFunc func() bool

// MediaObject drives the download (and, for AES-128 segments, decryption)
// of one Segment or InitSection into a BufferedStream.
type MediaObject struct {
	ID        string
	url       string
	sourceURL string
	rng       transport.Options
	keyURL    string

	stream *BufferedStream

	transport transport.RoundTripper
	keys      *KeyStore
	logger    logger.Logger

	parentInterrupt InterruptFunc
	localAbort      atomic.Bool

	mu            sync.Mutex
	state         MediaObjectState
	lastError     error
	downloadBytes int64
	bandwidthBps  int64
	startTick     time.Time

	done chan struct{}
}

// NewMediaObjectForSegment creates a MediaObject bound to a Segment
// download, resolving the `crypto+` URL marker and key/IV options per the
// segment's encryption.
func NewMediaObjectForSegment(seg *Segment, rt transport.RoundTripper, keys *KeyStore, log logger.Logger, parentInterrupt InterruptFunc) (*MediaObject, error) {
	return newMediaObject(seg.URL, seg.Range, seg.Key, seg.SeqNo, rt, keys, log, parentInterrupt)
}

// NewMediaObjectForInitSection creates a MediaObject bound to an
// InitSection download.
func NewMediaObjectForInitSection(sec *InitSection, rt transport.RoundTripper, keys *KeyStore, log logger.Logger, parentInterrupt InterruptFunc) (*MediaObject, error) {
	return newMediaObject(sec.URL, sec.Range, sec.Key, 0, rt, keys, log, parentInterrupt)
}

func newMediaObject(rawURL string, rng ByteRange, key KeyInfo, seqNo uint64, rt transport.RoundTripper, keys *KeyStore, log logger.Logger, parentInterrupt InterruptFunc) (*MediaObject, error) {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}

	opts := transport.Options{Offset: -1, EndOffset: -1}
	if !rng.WholeResource() {
		opts.Offset = rng.Offset
		opts.EndOffset = rng.Offset + rng.Size
	}

	openURL := rawURL
	keyURL := ""
	if key.Method == KeyMethodAES128 {
		iv := key.IV
		if !key.HasIV {
			iv = synthesizeIV(seqNo)
		}
		openURL = "crypto+" + rawURL
		opts.IV = iv[:]
		keyURL = key.URI
		// key bytes are resolved lazily in StartDownload, since fetching
		// them may itself need the shared transport/keystore.
	}

	return &MediaObject{
		ID:              uuid.NewString(),
		url:             openURL,
		sourceURL:       rawURL,
		rng:             opts,
		keyURL:          keyURL,
		stream:          NewBufferedStream(),
		transport:       rt,
		keys:            keys,
		logger:          log.With(logger.String("media_object", rawURL)),
		parentInterrupt: parentInterrupt,
		state:           StateNotStarted,
		done:            make(chan struct{}),
	}, nil
}

// NewMediaObjectFromCache builds an already-completed MediaObject from
// previously cached decrypted bytes, for a cache hit that skips both the
// network round trip and the decrypt pass entirely.
func NewMediaObjectFromCache(sourceURL string, data []byte) *MediaObject {
	m := &MediaObject{
		ID:        uuid.NewString(),
		url:       sourceURL,
		sourceURL: sourceURL,
		stream:    NewBufferedStream(),
		state:     StateCompleted,
		done:      make(chan struct{}),
	}
	close(m.done)
	m.stream.Write(data)
	m.stream.SetEOS(true)
	atomic.StoreInt64(&m.downloadBytes, int64(len(data)))
	return m
}

// synthesizeIV builds the IV used when a segment's #EXT-X-KEY omits one:
// 12 zero bytes followed by the big-endian 32-bit sequence number.
func synthesizeIV(seqNo uint64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint32(iv[12:], uint32(seqNo))
	return iv
}

func (m *MediaObject) interrupted() bool {
	if m.localAbort.Load() {
		return true
	}
	return m.parentInterrupt != nil && m.parentInterrupt()
}

func (m *MediaObject) setState(s MediaObjectState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *MediaObject) State() MediaObjectState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartDownload spawns the worker goroutine, which fetches the key (if
// any) and opens the transport.
func (m *MediaObject) StartDownload(ctx context.Context) {
	m.setState(StateStarted)
	m.startTick = time.Now()
	go m.workerLoop(ctx)
}

func (m *MediaObject) workerLoop(ctx context.Context) {
	defer close(m.done)
	m.setState(StateInProgress)

	opts := m.rng
	if m.keyURL != "" {
		key, err := m.keys.Get(ctx, m.keyURL)
		if err != nil {
			m.finish(err)
			return
		}
		opts.Key = key
	}

	rc, err := m.transport.Open(ctx, m.url, opts)
	if err != nil {
		m.finish(NewTransportError("open failed", err))
		return
	}
	defer rc.Close()

	buf := make([]byte, downloadChunkSize)
	for {
		if m.interrupted() {
			m.finish(ErrAborted)
			return
		}

		n, err := rc.Read(buf)
		if n > 0 {
			m.stream.Write(buf[:n])
			atomic.AddInt64(&m.downloadBytes, int64(n))
		}
		if err != nil {
			if err == io.EOF {
				m.finish(io.EOF)
				return
			}
			if isAgain(err) {
				time.Sleep(againBackoff)
				continue
			}
			m.finish(NewTransportError("read failed", err))
			return
		}
	}
}

// isAgain reports whether err represents a transient "try again"
// indication from the transport, worth a short cooperative backoff rather
// than a hard failure.
func isAgain(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}

func (m *MediaObject) finish(err error) {
	elapsed := time.Since(m.startTick).Microseconds()
	bytes := atomic.LoadInt64(&m.downloadBytes)
	if elapsed > 0 {
		atomic.StoreInt64(&m.bandwidthBps, 8*bytes*1_000_000/elapsed)
	}

	m.stream.SetEOS(true)

	m.mu.Lock()
	m.lastError = err
	aborting := m.state == StateRequestAbort
	m.mu.Unlock()

	if aborting {
		m.setState(StateAborted)
	} else {
		m.setState(StateCompleted)
	}
}

// StopDownload requests cancellation, waits for the worker to exit, and
// flushes any buffered bytes.
func (m *MediaObject) StopDownload() {
	m.mu.Lock()
	started := m.state != StateNotStarted
	if m.state == StateStarted || m.state == StateInProgress {
		m.state = StateRequestAbort
	}
	m.mu.Unlock()

	m.localAbort.Store(true)
	m.stream.SetEOS(true)
	if started {
		m.WaitForEnd()
	}
	m.stream.Flush()
}

// WaitForEnd blocks until the worker goroutine has terminated.
func (m *MediaObject) WaitForEnd() {
	<-m.done
}

// Read delegates to the backing BufferedStream; a zero-length,nil-error
// result means the stream reached EOS, at which point LastError reports
// why.
func (m *MediaObject) Read(ctx context.Context, p []byte) (int, error) {
	return m.stream.Read(ctx, p)
}

// Peek delegates to the backing BufferedStream without consuming bytes.
func (m *MediaObject) Peek(ctx context.Context, p []byte, offset int) (int, error) {
	return m.stream.Peek(ctx, p, offset)
}

// LastError reports the terminal condition of a completed/aborted worker.
func (m *MediaObject) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// BandwidthBps returns the observed download bandwidth in bits/second.
func (m *MediaObject) BandwidthBps() int64 {
	return atomic.LoadInt64(&m.bandwidthBps)
}

// DownloadedBytes returns the number of bytes received so far.
func (m *MediaObject) DownloadedBytes() int64 {
	return atomic.LoadInt64(&m.downloadBytes)
}

// Delete stops any in-flight download and releases resources. Safe to call
// from any state.
func (m *MediaObject) Delete() {
	m.StopDownload()
}
