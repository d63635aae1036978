package hls

import (
	"context"
	"testing"
	"time"
)

func vodPlaylistForReceiver(rt *manifestTransport) *Playlist {
	pl := NewPlaylist("http://origin/vod.m3u8")
	pl.Finished = true
	pl.StartSeqNo = 0
	pl.TargetDuration = 2 * time.Second
	for i := 0; i < 3; i++ {
		url := "http://origin/seg" + string(rune('0'+i)) + ".ts"
		pl.Segments = append(pl.Segments, &Segment{
			URL:      url,
			SeqNo:    uint64(i),
			Duration: 2 * time.Second,
			StartPTS: time.Duration(i) * 2 * time.Second,
			Range:    ByteRange{Size: -1},
		})
		rt.manifests[url] = "payload" + string(rune('0'+i))
	}
	return pl
}

func TestReceiverVODCursorStartsAtSeqZero(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{}}
	pl := vodPlaylistForReceiver(rt)
	r := NewReceiver(pl, rt, NewKeyStore(rt, nil), nil, nil, nil)

	r.Start(context.Background())
	defer r.Stop()

	// VOD rule: the cursor starts at startSeqNo (0). Checked right after
	// Start, as in the live-edge test: given time, the prefetcher fills all
	// three VOD buffer slots and moves the cursor to 3.
	if got := r.currentSeqNo.Load(); got != 0 {
		t.Errorf("expected cursor to start at 0 for a finished playlist, got %d", got)
	}
}

func TestReceiverLiveCursorStartsNearEdge(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{}}
	pl := NewPlaylist("http://origin/live.m3u8")
	pl.StartSeqNo = 100
	for i := 0; i < 5; i++ {
		url := "http://origin/seglive" + string(rune('0'+i)) + ".ts"
		pl.Segments = append(pl.Segments, &Segment{
			URL: url, SeqNo: uint64(100 + i), Duration: time.Second, Range: ByteRange{Size: -1},
		})
		rt.manifests[url] = "x"
	}
	r := NewReceiver(pl, rt, NewKeyStore(rt, nil), nil, nil, nil)

	r.Start(context.Background())
	defer r.Stop()

	// Live edge rule: startSeqNo + max(segCount-2, 0) = 100 + 3 = 103.
	cursor := r.currentSeqNo.Load()
	if cursor != 103 {
		t.Errorf("expected live-edge cursor 103, got %d", cursor)
	}
}

func TestReceiverReadDeliversSegmentBytesInOrder(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{}}
	pl := vodPlaylistForReceiver(rt)
	r := NewReceiver(pl, rt, NewKeyStore(rt, nil), nil, nil, nil)

	r.Start(context.Background())
	defer r.Stop()

	var collected []byte
	buf := make([]byte, 32)
	deadline := time.Now().Add(2 * time.Second)
	for len(collected) < len("payload0payload1payload2") && time.Now().Before(deadline) {
		n, err := r.Read(context.Background(), buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		collected = append(collected, buf[:n]...)
	}

	if string(collected) != "payload0payload1payload2" {
		t.Errorf("expected concatenated segment payloads in order, got %q", collected)
	}
}

func TestReceiverSwapPlaylistClampsCursor(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{}}
	pl := vodPlaylistForReceiver(rt)
	r := NewReceiver(pl, rt, NewKeyStore(rt, nil), nil, nil, nil)
	r.currentSeqNo.Store(50) // far beyond any real window

	newPl := NewPlaylist("http://origin/other.m3u8")
	newPl.StartSeqNo = 10
	newPl.Segments = []*Segment{
		{URL: "http://origin/a.ts", SeqNo: 10, Range: ByteRange{Size: -1}},
		{URL: "http://origin/b.ts", SeqNo: 11, Range: ByteRange{Size: -1}},
	}

	r.SwapPlaylist(newPl)

	if got := r.currentSeqNo.Load(); got != 11 {
		t.Errorf("expected cursor clamped to highest valid seqNo 11, got %d", got)
	}
}

func TestReceiverSwapPlaylistClampsCursorBelowRange(t *testing.T) {
	rt := &manifestTransport{manifests: map[string]string{}}
	pl := vodPlaylistForReceiver(rt)
	r := NewReceiver(pl, rt, NewKeyStore(rt, nil), nil, nil, nil)
	r.currentSeqNo.Store(0)

	newPl := NewPlaylist("http://origin/other.m3u8")
	newPl.StartSeqNo = 10
	newPl.Segments = []*Segment{
		{URL: "http://origin/a.ts", SeqNo: 10, Range: ByteRange{Size: -1}},
	}

	r.SwapPlaylist(newPl)

	if got := r.currentSeqNo.Load(); got != 10 {
		t.Errorf("expected cursor clamped up to startSeqNo 10, got %d", got)
	}
}
