package livestream

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CaptureConstraints mirrors the constraints handed to the media device.
type CaptureConstraints struct {
	Width     int
	Height    int
	FrameRate int
	Audio     bool
}

// DefaultCaptureConstraints matches the broadcaster's camera setup.
var DefaultCaptureConstraints = CaptureConstraints{
	Width:     1280,
	Height:    720,
	FrameRate: 30,
	Audio:     true,
}

// CaptureDevice is the media acquisition collaborator. Acquire returns local
// tracks or fails; callers own the returned tracks and must stop them.
type CaptureDevice interface {
	Acquire(ctx context.Context, c CaptureConstraints) (*MediaStream, error)
}

// MediaStream holds the local capture: one video and optionally one audio
// track. Exclusively owned by the lifecycle coordinator while broadcasting;
// session store listeners get observational access only.
type MediaStream struct {
	ID     string
	Tracks []*LocalTrack
}

func (s *MediaStream) VideoTrack() *LocalTrack {
	for _, t := range s.Tracks {
		if t.Kind() == "video" {
			return t
		}
	}
	return nil
}

func (s *MediaStream) AudioTrack() *LocalTrack {
	for _, t := range s.Tracks {
		if t.Kind() == "audio" {
			return t
		}
	}
	return nil
}

// StopTracks stops every track. Only the owning coordinator may call this.
func (s *MediaStream) StopTracks() {
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// Live reports whether any track is still running.
func (s *MediaStream) Live() bool {
	for _, t := range s.Tracks {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// LocalTrack wraps a pion local sample track together with a stop flag and a
// chunk source feeding the recorder.
type LocalTrack struct {
	kind   string
	label  string
	sample *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	stopped bool
	seq     uint32
	chunk   func(seq uint32) []byte
}

func (t *LocalTrack) Kind() string  { return t.kind }
func (t *LocalTrack) Label() string { return t.label }

// Sample exposes the underlying pion track for attachment to peer connections.
func (t *LocalTrack) Sample() *webrtc.TrackLocalStaticSample { return t.sample }

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// NextChunk returns the next buffered media chunk, or nil once stopped.
func (t *LocalTrack) NextChunk() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.chunk == nil {
		return nil
	}
	t.seq++
	return t.chunk(t.seq)
}

// WriteSample pushes encoded media into the pion track for connected peers.
func (t *LocalTrack) WriteSample(data []byte, duration time.Duration) error {
	if t.Stopped() {
		return nil
	}
	return t.sample.WriteSample(media.Sample{Data: data, Duration: duration})
}

type deviceCapture struct {
	log *zap.Logger
}

// NewCaptureDevice returns the default capture device. It produces H264 video
// and Opus audio sample tracks the same way the stream manager would for a
// hardware source, with a synthetic chunk generator behind them.
func NewCaptureDevice(log *zap.Logger) CaptureDevice {
	return &deviceCapture{log: log}
}

func (d *deviceCapture) Acquire(ctx context.Context, c CaptureConstraints) (*MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "capture aborted")
	}

	streamID := uuid.NewString()

	videoSample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", streamID)
	if err != nil {
		return nil, errors.Wrap(err, "create video track")
	}
	tracks := []*LocalTrack{{
		kind:   "video",
		label:  "camera",
		sample: videoSample,
		chunk:  chunkGenerator(streamID, "video"),
	}}

	if c.Audio {
		audioSample, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, errors.Wrap(err, "create audio track")
		}
		tracks = append(tracks, &LocalTrack{
			kind:   "audio",
			label:  "microphone",
			sample: audioSample,
			chunk:  chunkGenerator(streamID, "audio"),
		})
	}

	d.log.Info("acquired local capture",
		zap.String("stream_id", streamID),
		zap.Int("tracks", len(tracks)),
		zap.Int("width", c.Width),
		zap.Int("height", c.Height))

	return &MediaStream{ID: streamID, Tracks: tracks}, nil
}

// chunkGenerator yields deterministic per-track chunk payloads. Real encoded
// frames come from the device; the shape only matters to the recorder buffer.
func chunkGenerator(streamID, kind string) func(seq uint32) []byte {
	prefix := []byte(streamID + "/" + kind + "/")
	return func(seq uint32) []byte {
		buf := make([]byte, len(prefix)+4)
		copy(buf, prefix)
		binary.BigEndian.PutUint32(buf[len(prefix):], seq)
		return buf
	}
}
