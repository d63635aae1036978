package hls

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
)

// pollIdleInterval is the sleep applied when the prefetch loop's cursor is
// temporarily out of the currently loaded segment window.
const pollIdleInterval = 10 * time.Millisecond

// BandwidthCallback is invoked once a segment download completes, with the
// owning playlist and the observed bandwidth in bits/second.
type BandwidthCallback func(pl *Playlist, bandwidthBps int64)

// SegmentCache is an optional write-through cache of decrypted segment
// bytes, consulted before downloading a finished (VOD) segment and
// populated after a successful download, so a fleet of player processes
// doesn't redundantly re-fetch and re-decrypt the same segment from the
// origin.
type SegmentCache interface {
	Get(ctx context.Context, sourceURL string) ([]byte, error)
	Put(ctx context.Context, sourceURL string, data []byte) error
}

// Receiver runs the prefetch loop for one Playlist: it downloads segments
// (and their init sections) ahead of the consumer, feeding a bounded
// MediaObjectBuffer, and exposes a blocking byte-read interface that
// transparently prepends each segment's init-section bytes.
type Receiver struct {
	mu       sync.RWMutex
	playlist *Playlist

	buffer    *MediaObjectBuffer
	initCache *initSectionCache

	transport    transport.RoundTripper
	keys         *KeyStore
	logger       logger.Logger
	segmentCache SegmentCache

	currentSeqNo atomic.Uint64
	localAbort   atomic.Bool
	parentIntr   InterruptFunc

	onBandwidth BandwidthCallback

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// consumer-side state
	consumerMu    sync.Mutex
	currentObj    *MediaObject
	currentSeg    *Segment
	currentInit   *MediaObject
	initOffset   int
	lastStartPTS time.Duration
}

// NewReceiver creates a Receiver for pl. The playlist's Finished flag at
// construction time determines the buffer capacity (§4.3); it is fixed
// for the Receiver's lifetime (neither Start nor SwapPlaylist resizes the
// buffer).
func NewReceiver(pl *Playlist, rt transport.RoundTripper, keys *KeyStore, log logger.Logger, parentIntr InterruptFunc, onBandwidth BandwidthCallback) *Receiver {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}
	finished, _, _, _, _ := pl.Snapshot()
	capacity := BufferCapacityLive
	if finished {
		capacity = BufferCapacityVOD
	}
	r := &Receiver{
		playlist:    pl,
		buffer:      NewMediaObjectBuffer(capacity),
		initCache:   newInitSectionCache(),
		transport:   rt,
		keys:        keys,
		logger:      log.With(logger.String("playlist", pl.URL)),
		parentIntr:  parentIntr,
		onBandwidth: onBandwidth,
		stopCh:      make(chan struct{}),
	}
	return r
}

// SetSegmentCache attaches an optional write-through segment cache. It
// takes effect on the next prefetch iteration.
func (r *Receiver) SetSegmentCache(sc SegmentCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segmentCache = sc
}

func (r *Receiver) cache() SegmentCache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.segmentCache
}

func (r *Receiver) interrupted() bool {
	if r.localAbort.Load() {
		return true
	}
	return r.parentIntr != nil && r.parentIntr()
}

// Start initializes the cursor and spawns the prefetch goroutine.
func (r *Receiver) Start(ctx context.Context) {
	pl := r.currentPlaylist()
	finished, startSeqNo, segCount, _, _ := pl.Snapshot()

	var cursor uint64
	if finished {
		cursor = startSeqNo
	} else {
		lookback := 2
		if segCount < lookback {
			lookback = segCount
		}
		cursor = startSeqNo + uint64(segCount-lookback)
	}
	r.currentSeqNo.Store(cursor)

	r.wg.Add(1)
	go r.prefetchLoop(ctx)
}

func (r *Receiver) currentPlaylist() *Playlist {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playlist
}

// SwapPlaylist hot-swaps the playlist pointer (used by variant switching)
// and clamps the cursor into the new playlist's sequence-number range, per
// the resolved Open Question (the reference implementation does not clamp;
// this one does).
func (r *Receiver) SwapPlaylist(pl *Playlist) {
	r.mu.Lock()
	r.playlist = pl
	r.mu.Unlock()

	_, startSeqNo, segCount, _, _ := pl.Snapshot()
	cur := r.currentSeqNo.Load()
	if segCount == 0 {
		r.currentSeqNo.Store(startSeqNo)
		return
	}
	lo, hi := startSeqNo, startSeqNo+uint64(segCount)-1
	switch {
	case cur < lo:
		r.currentSeqNo.Store(lo)
	case cur > hi:
		r.currentSeqNo.Store(hi)
	}
}

func (r *Receiver) prefetchLoop(ctx context.Context) {
	defer r.wg.Done()
	defer r.buffer.SetEOS(true)

	pl := r.currentPlaylist()
	_, _, _, targetDuration, lastSegDuration := pl.Snapshot()
	reloadInterval := lastSegDuration
	if reloadInterval <= 0 {
		reloadInterval = targetDuration
	}
	if reloadInterval <= 0 {
		reloadInterval = 6 * time.Second
	}
	lastReload := time.Now()

	parser := NewParser(r.transport, r.logger)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		if r.interrupted() {
			return
		}

		pl = r.currentPlaylist()
		finished, startSeqNo, segCount, _, lastSegDur := pl.Snapshot()

		if !finished && time.Since(lastReload) >= reloadInterval {
			if err := parser.Update(ctx, pl); err != nil {
				r.logger.Warn("playlist refresh failed", logger.Err(err))
			}
			lastReload = time.Now()
			finished, startSeqNo, segCount, _, lastSegDur = pl.Snapshot()
			if lastSegDur > 0 {
				reloadInterval = lastSegDur
			}
		}

		seqNo := r.currentSeqNo.Load()
		if seqNo < startSeqNo {
			seqNo = startSeqNo
			r.currentSeqNo.Store(seqNo)
		}
		idx := int(seqNo - startSeqNo)
		if idx >= segCount {
			if finished && r.buffer.IsEmpty() {
				return
			}
			time.Sleep(pollIdleInterval)
			if !finished {
				reloadInterval /= 2
				if reloadInterval < pollIdleInterval {
					reloadInterval = pollIdleInterval
				}
			}
			continue
		}

		seg := pl.SegmentAt(seqNo)
		if seg == nil {
			time.Sleep(pollIdleInterval)
			continue
		}

		if seg.Init != nil && r.initCache.lookup(seg.Init.URL) == nil {
			initObj, err := NewMediaObjectForInitSection(seg.Init, r.transport, r.keys, r.logger, r.interrupted)
			if err != nil {
				r.logger.Error("failed to create init-section object", logger.Err(err))
			} else {
				initObj.StartDownload(ctx)
				if evicted := r.initCache.insert(seg.Init, initObj); evicted != nil {
					evicted.Delete()
				}
			}
		}

		cache := r.cache()
		if cache != nil && finished {
			if data, cacheErr := cache.Get(ctx, seg.URL); cacheErr == nil && len(data) > 0 {
				cachedObj := NewMediaObjectFromCache(seg.URL, data)
				if err := r.buffer.Put(ctx, cachedObj, -1); err != nil {
					cachedObj.Delete()
					return
				}
				r.currentSeqNo.Store(seqNo + 1)
				continue
			}
		}

		segObj, err := NewMediaObjectForSegment(seg, r.transport, r.keys, r.logger, r.interrupted)
		if err != nil {
			r.logger.Error("failed to create segment object", logger.Err(err))
			r.currentSeqNo.Store(seqNo + 1)
			continue
		}
		segObj.StartDownload(ctx)

		if err := r.buffer.Put(ctx, segObj, -1); err != nil {
			segObj.Delete()
			return
		}

		segObj.WaitForEnd()
		if r.onBandwidth != nil && segObj.BandwidthBps() > 0 {
			r.onBandwidth(pl, segObj.BandwidthBps())
		}
		if cache != nil && finished && segObj.LastError() == io.EOF {
			r.writeThroughCache(ctx, seg.URL, segObj, cache)
		}

		r.currentSeqNo.Store(seqNo + 1)
	}
}

// writeThroughCache peeks the full decrypted body of a completed segment
// download (non-destructively, so the consumer's own read is unaffected)
// and populates the segment cache with it.
func (r *Receiver) writeThroughCache(ctx context.Context, sourceURL string, obj *MediaObject, cache SegmentCache) {
	var data []byte
	buf := make([]byte, downloadChunkSize)
	for offset := 0; ; {
		n, err := obj.Peek(ctx, buf, offset)
		if n > 0 {
			data = append(data, buf[:n]...)
			offset += n
		}
		if err != nil || n == 0 {
			break
		}
	}
	if len(data) == 0 {
		return
	}
	if err := cache.Put(ctx, sourceURL, data); err != nil {
		r.logger.Warn("segment cache write failed", logger.String("url", sourceURL), logger.Err(err))
	}
}

// Stop halts the prefetch loop, flushes buffered and in-flight
// MediaObjects, and releases the init-section cache.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.localAbort.Store(true)
		close(r.stopCh)
	})
	r.buffer.SetEOS(true)
	r.wg.Wait()
	r.buffer.Flush()

	for _, obj := range r.initCache.flush() {
		obj.Delete()
	}

	r.consumerMu.Lock()
	if r.currentObj != nil {
		r.currentObj.Delete()
		r.currentObj = nil
	}
	r.currentInit = nil
	r.consumerMu.Unlock()
}

// Read returns bytes to the consuming demuxer, reading init-section bytes
// (shared, peek-not-consume) ahead of each segment's payload.
func (r *Receiver) Read(ctx context.Context, p []byte) (int, error) {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	if r.currentObj == nil {
		obj, err := r.buffer.Get(ctx, -1)
		if err != nil {
			return 0, err
		}
		r.currentObj = obj
		if seg := r.segmentForObject(obj); seg != nil {
			r.currentSeg = seg
			r.lastStartPTS = seg.StartPTS
			if seg.Init != nil {
				if initObj := r.initCache.lookup(seg.Init.URL); initObj != nil {
					r.currentInit = initObj
					r.initOffset = 0
				}
			}
		}
	}

	if r.currentInit != nil {
		n, err := r.currentInit.Peek(ctx, p, r.initOffset)
		if n > 0 {
			r.initOffset += n
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		r.currentInit = nil
	}

	n, err := r.currentObj.Read(ctx, p)
	if n > 0 {
		return n, nil
	}
	if err != nil {
		r.currentObj.Delete()
		r.currentObj = nil
		return 0, err
	}
	// n == 0, err == nil: EOS on this segment's stream.
	r.currentObj.Delete()
	r.currentObj = nil
	return 0, nil
}

func (r *Receiver) segmentForObject(obj *MediaObject) *Segment {
	pl := r.currentPlaylist()
	_, startSeqNo, segCount, _, _ := pl.Snapshot()
	for i := 0; i < segCount; i++ {
		seg := pl.SegmentAt(startSeqNo + uint64(i))
		if seg != nil && seg.URL == obj.sourceURL {
			return seg
		}
	}
	return nil
}

// LastSegmentStartPTS returns the start PTS recorded for the segment most
// recently handed to the consumer.
func (r *Receiver) LastSegmentStartPTS() time.Duration {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.lastStartPTS
}

// Seek stops the prefetch loop, repositions the cursor at the lowest
// segment whose prefix-sum window covers target, and restarts prefetching.
func (r *Receiver) Seek(ctx context.Context, target time.Duration) error {
	r.Stop()

	pl := r.currentPlaylist()
	_, startSeqNo, segCount, _, _ := pl.Snapshot()

	idx := 0
	var acc time.Duration
	for i := 0; i < segCount; i++ {
		seg := pl.SegmentAt(startSeqNo + uint64(i))
		if seg == nil {
			break
		}
		acc += seg.Duration
		if acc > target {
			idx = i
			break
		}
		idx = i
	}

	r.stopCh = make(chan struct{})
	r.stopOnce = sync.Once{}
	r.localAbort.Store(false)
	r.buffer.SetEOS(false)
	r.currentSeqNo.Store(startSeqNo + uint64(idx))

	r.wg.Add(1)
	go r.prefetchLoop(ctx)
	return nil
}
