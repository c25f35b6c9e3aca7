package livestream

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrRecorderActive = errors.New("recorder already active")
	ErrRecorderIdle   = errors.New("recorder not active")
)

// Recording is the finalized media object produced when a broadcast stops.
type Recording struct {
	Data      []byte
	MimeType  string
	Chunks    int
	Duration  time.Duration
	StartedAt time.Time
	EndedAt   time.Time
}

// Recorder buffers encoded chunks from the live capture at a fixed interval.
// No size cap is enforced; long-running streams grow the buffer unbounded.
type Recorder struct {
	interval time.Duration
	log      *zap.Logger

	mu        sync.Mutex
	active    bool
	chunks    [][]byte
	startedAt time.Time
	stop      chan struct{}
	done      chan struct{}
}

func NewRecorder(interval time.Duration, log *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = time.Second
	}
	return &Recorder{interval: interval, log: log}
}

// Begin starts buffering chunks from the stream's tracks.
func (r *Recorder) Begin(stream *MediaStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrRecorderActive
	}

	r.active = true
	r.chunks = nil
	r.startedAt = time.Now()
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go r.capture(stream, r.stop, r.done)
	r.log.Info("recording started",
		zap.String("stream_id", stream.ID),
		zap.Duration("interval", r.interval))
	return nil
}

func (r *Recorder) capture(stream *MediaStream, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.collect(stream)
		}
	}
}

func (r *Recorder) collect(stream *MediaStream) {
	for _, t := range stream.Tracks {
		if chunk := t.NextChunk(); chunk != nil {
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.mu.Unlock()
		}
	}
}

// Finalize stops the capture loop, waits for it to drain and concatenates the
// buffered chunks into one consumable media object. The wait is the
// asynchronous boundary: data is not consumable until the loop has signalled
// completion.
func (r *Recorder) Finalize() (*Recording, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, ErrRecorderIdle
	}
	r.active = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done

	r.mu.Lock()
	chunks := r.chunks
	r.chunks = nil
	startedAt := r.startedAt
	r.mu.Unlock()

	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}

	now := time.Now()
	rec := &Recording{
		Data:      buf.Bytes(),
		MimeType:  "video/webm",
		Chunks:    len(chunks),
		Duration:  now.Sub(startedAt),
		StartedAt: startedAt,
		EndedAt:   now,
	}
	r.log.Info("recording finalized",
		zap.Int("chunks", rec.Chunks),
		zap.Int("bytes", len(rec.Data)),
		zap.Duration("duration", rec.Duration))
	return rec, nil
}

// Active reports whether a capture loop is running.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
