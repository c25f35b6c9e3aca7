package livestream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateStarting SessionState = "starting"
	StateLive     SessionState = "live"
	StateStopping SessionState = "stopping"
)

// ViewerState is what the display layer shows a joining viewer.
type ViewerState string

const (
	ViewerStateWaiting   ViewerState = "waiting"
	ViewerStateReceiving ViewerState = "receiving"
)

var (
	ErrNotBroadcaster  = errors.New("user is not allowed to broadcast")
	ErrNotSessionOwner = errors.New("session belongs to another broadcaster")
	ErrSessionBusy     = errors.New("a session transition is already in progress")
	ErrStartCancelled  = errors.New("start cancelled by stop")
	ErrViewerOnly      = errors.New("join is a viewer operation")
	ErrBroadcasterOnly = errors.New("operation requires the broadcaster role")
)

// RoleChecker is the external auth collaborator's broadcast authorization.
type RoleChecker interface {
	CanBroadcast(ctx context.Context, userID string) (bool, error)
}

// RoleCheckerFunc adapts a function to RoleChecker.
type RoleCheckerFunc func(ctx context.Context, userID string) (bool, error)

func (f RoleCheckerFunc) CanBroadcast(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

// CoordinatorOptions bundles the injected collaborators for one client's
// coordinator. All services are constructed at application start and passed
// by reference.
type CoordinatorOptions struct {
	Role     Role
	SelfID   string
	Capture  CaptureDevice
	Store    *SessionStore
	Channel  *SignalingChannel
	Peers    *PeerManager
	Recorder *Recorder
	Repo     SessionRepository
	Uploader StorageUploader
	Auth     RoleChecker

	DBTimeout    time.Duration
	PollInterval time.Duration
	JoinWait     time.Duration

	Log *zap.Logger
}

// Coordinator is the top-level state machine tying capture, signaling,
// peer negotiation and persisted session state together for one client.
// States: idle -> starting -> live -> stopping -> idle; an error during
// starting rolls back to idle with cleanup.
type Coordinator struct {
	role     Role
	selfID   string
	capture  CaptureDevice
	store    *SessionStore
	channel  *SignalingChannel
	peers    *PeerManager
	recorder *Recorder
	repo     SessionRepository
	uploader StorageUploader
	auth     RoleChecker

	dbTimeout    time.Duration
	pollInterval time.Duration
	joinWait     time.Duration
	log          *zap.Logger

	mu            sync.Mutex
	state         SessionState
	stopRequested bool
	broadcasterID string
	token         string
	stream        *MediaStream
	live          *LiveStream
	tracked       bool

	notify chan struct{}

	reconcileMu  sync.Mutex
	lastActiveID string
	onActive     func(*LiveStream)

	remoteArrived chan struct{}
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		role:          opts.Role,
		selfID:        opts.SelfID,
		capture:       opts.Capture,
		store:         opts.Store,
		channel:       opts.Channel,
		peers:         opts.Peers,
		recorder:      opts.Recorder,
		repo:          opts.Repo,
		uploader:      opts.Uploader,
		auth:          opts.Auth,
		dbTimeout:     opts.DBTimeout,
		pollInterval:  opts.PollInterval,
		joinWait:      opts.JoinWait,
		log:           opts.Log,
		state:         StateIdle,
		notify:        make(chan struct{}, 1),
		remoteArrived: make(chan struct{}, 1),
	}
	if c.dbTimeout <= 0 {
		c.dbTimeout = 5 * time.Second
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.joinWait <= 0 {
		c.joinWait = 10 * time.Second
	}
	if c.peers != nil {
		c.peers.SetRemoteTrackHandler(func(remoteID string, _ *webrtc.TrackRemote) {
			select {
			case c.remoteArrived <- struct{}{}:
			default:
			}
		})
	}
	return c
}

// State returns the coordinator's current session state.
func (c *Coordinator) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentSession returns the live record of the ongoing broadcast, if any.
func (c *Coordinator) CurrentSession() *LiveStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Start begins a broadcast: acquire capture, publish the stream locally,
// begin recording, advertise offers, then persist the live record. A
// persistence failure degrades to an untracked live session with a warning;
// a capture failure aborts entirely. Start while already live for the same
// broadcaster is a no-op success.
func (c *Coordinator) Start(ctx context.Context, userID string, req StartStreamRequest) (*LiveStream, error) {
	ok, err := c.auth.CanBroadcast(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "broadcast authorization")
	}
	if !ok {
		return nil, ErrNotBroadcaster
	}

	c.mu.Lock()
	switch c.state {
	case StateLive:
		if c.broadcasterID == userID {
			live := c.live
			c.mu.Unlock()
			return live, nil
		}
		c.mu.Unlock()
		return nil, ErrSessionBusy
	case StateStarting, StateStopping:
		c.mu.Unlock()
		return nil, ErrSessionBusy
	}
	c.state = StateStarting
	c.stopRequested = false
	c.broadcasterID = userID
	c.mu.Unlock()

	stream, err := c.capture.Acquire(ctx, DefaultCaptureConstraints)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.broadcasterID = ""
		c.mu.Unlock()
		return nil, errors.Wrap(err, "acquire local capture")
	}

	c.mu.Lock()
	if c.stopRequested {
		c.stopRequested = false
		c.state = StateIdle
		c.broadcasterID = ""
		c.mu.Unlock()
		stream.StopTracks()
		c.log.Info("start cancelled before going live", zap.String("user", userID))
		return nil, ErrStartCancelled
	}
	c.stream = stream
	c.mu.Unlock()

	// Capture exists before any signaling goes out.
	c.store.SetStream(stream)

	token := generateStreamKey()

	if err := c.recorder.Begin(stream); err != nil {
		c.log.Warn("recording did not start", zap.Error(err))
	}

	if err := c.peers.StartBroadcast(stream); err != nil {
		c.log.Warn("broadcast advertisement failed", zap.Error(err))
	}

	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Live Stream - %s", time.Now().Format("2006-01-02 15:04"))
	}
	rec := &LiveStream{
		CreatedBy:   userID,
		StreamURL:   token,
		IsActive:    true,
		Title:       title,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}

	tracked := true
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	if err := c.repo.CreateLive(dbCtx, rec); err != nil {
		// The live session must not be blocked by a transient database
		// error; it continues untracked.
		tracked = false
		c.log.Warn("stream started but not saved to database", zap.Error(err))
	}
	cancel()

	c.mu.Lock()
	c.token = token
	c.live = rec
	c.tracked = tracked
	c.state = StateLive
	cancelled := c.stopRequested
	c.mu.Unlock()

	c.log.Info("live stream started",
		zap.String("user", userID),
		zap.String("token", token),
		zap.Bool("tracked", tracked))

	if cancelled {
		_ = c.Stop(ctx, userID)
		return nil, ErrStartCancelled
	}
	return rec, nil
}

// Stop ends the broadcast. Only the broadcaster that started the session may
// stop it. Every cleanup step runs even when earlier ones fail: finalize the
// recording, stop and release local tracks, clear the session store, tear
// down peer links, close all active records for this broadcaster and upload
// the recording. Stop while idle is a no-op and Stop never returns an error
// for partial cleanup failures.
func (c *Coordinator) Stop(ctx context.Context, userID string) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateStarting:
		if c.broadcasterID != userID {
			c.mu.Unlock()
			return ErrNotSessionOwner
		}
		// Start is mid-flight; it observes the flag and rolls back.
		c.stopRequested = true
		c.mu.Unlock()
		return nil
	case StateStopping:
		c.mu.Unlock()
		return nil
	}
	if c.broadcasterID != userID {
		c.mu.Unlock()
		return ErrNotSessionOwner
	}
	c.state = StateStopping
	stream := c.stream
	c.mu.Unlock()

	recording, err := c.recorder.Finalize()
	if err != nil && !errors.Is(err, ErrRecorderIdle) {
		c.log.Warn("recording finalize failed", zap.Error(err))
	}

	if stream != nil {
		stream.StopTracks()
	}
	c.store.ClearStream()
	c.peers.TeardownAll()

	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	closed, err := c.repo.CloseAllFor(dbCtx, userID, time.Now())
	cancel()
	if err != nil {
		c.log.Warn("stream stopped locally, database update failed", zap.Error(err))
	} else if closed > 1 {
		c.log.Warn("closed multiple active records for one broadcaster",
			zap.String("user", userID), zap.Int64("closed", closed))
	}

	c.uploadRecording(ctx, userID, recording)

	c.mu.Lock()
	c.state = StateIdle
	c.stopRequested = false
	c.broadcasterID = ""
	c.stream = nil
	c.live = nil
	c.token = ""
	c.tracked = false
	c.mu.Unlock()

	c.log.Info("live stream stopped", zap.String("user", userID))
	return nil
}

// uploadRecording ships the finalized capture to external storage and
// persists the recording record. Failures are reported, never propagated:
// the live session has already ended regardless.
func (c *Coordinator) uploadRecording(ctx context.Context, userID string, recording *Recording) {
	if recording == nil || c.uploader == nil {
		return
	}

	result, err := c.uploader.Upload(ctx, recording, UploadMetadata{})
	if err != nil {
		c.log.Warn("recording upload failed", zap.Error(err))
		return
	}

	rec := &RecordedStream{
		CreatedBy:       userID,
		Title:           fmt.Sprintf("Recorded Stream - %s", recording.StartedAt.Format("2006-01-02 15:04")),
		MediaURL:        result.URL,
		ThumbnailURL:    result.ThumbnailURL,
		DurationSeconds: result.DurationSeconds,
		CreatedAt:       time.Now(),
	}
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()
	if err := c.repo.InsertRecording(dbCtx, rec); err != nil {
		c.log.Warn("recording uploaded but not saved to database", zap.Error(err))
		return
	}
	c.log.Info("recording uploaded",
		zap.String("url", result.URL),
		zap.Float64("duration_seconds", result.DurationSeconds))
}

// PollActiveSession fetches the most recent active record across all
// broadcasters, at most one. The database read is bounded; on timeout the
// caller degrades to "no session visible" instead of hanging.
func (c *Coordinator) PollActiveSession(ctx context.Context) (*LiveStream, error) {
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	rec, err := c.repo.ActiveStream(dbCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.Warn("active session poll timed out")
			return nil, nil
		}
		return nil, errors.Wrap(err, "poll active session")
	}
	return rec, nil
}

// SetActiveChangeHandler registers the read-only observer notified when the
// visible active session changes. The observer is not part of the state
// machine.
func (c *Coordinator) SetActiveChangeHandler(fn func(*LiveStream)) {
	c.reconcileMu.Lock()
	c.onActive = fn
	c.reconcileMu.Unlock()
}

// Notify nudges the reconcile loop; wired to the store's change
// notifications. Coalesces while a reconcile is pending.
func (c *Coordinator) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// RunReconcile drives cross-client visibility of "is a stream currently
// live": a fixed-interval poll is the correctness backstop and change
// notifications are the low-latency fast path. Both triggers feed the same
// idempotent reconcile.
func (c *Coordinator) RunReconcile(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile(ctx)
		case <-c.notify:
			c.reconcile(ctx)
		}
	}
}

func (c *Coordinator) reconcile(ctx context.Context) {
	rec, err := c.PollActiveSession(ctx)
	if err != nil {
		c.log.Warn("reconcile poll failed", zap.Error(err))
		return
	}

	id := ""
	if rec != nil {
		id = rec.StreamURL
	}

	c.reconcileMu.Lock()
	changed := id != c.lastActiveID
	c.lastActiveID = id
	handler := c.onActive
	c.reconcileMu.Unlock()

	if changed && handler != nil {
		handler(rec)
	}
}

// JoinAsViewer starts the viewer side of peer negotiation for an observed
// active session. Missed signaling is replayed from the durable log; then the
// viewer waits a bounded time for media. Without a broadcaster the viewer
// simply stays in the waiting state, it does not fail.
func (c *Coordinator) JoinAsViewer(ctx context.Context, sessionToken, viewerID string) (ViewerState, error) {
	if c.role == RoleBroadcaster {
		return ViewerStateWaiting, ErrViewerOnly
	}

	c.log.Info("joining as viewer",
		zap.String("viewer", viewerID),
		zap.String("token", sessionToken))

	// Catch up on offers/candidates published before this viewer subscribed.
	// The peer manager dedupes by message id, so replay is harmless.
	if err := c.channel.Replay(ctx, time.Time{}, c.peers.HandleSignal); err != nil {
		c.log.Warn("signal replay failed", zap.Error(err))
	}

	deadline := time.NewTimer(c.joinWait)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ViewerStateWaiting, nil
		case <-deadline.C:
			c.log.Info("no media received, viewer stays waiting",
				zap.String("viewer", viewerID))
			return ViewerStateWaiting, nil
		case <-c.remoteArrived:
			return ViewerStateReceiving, nil
		case <-ticker.C:
			for _, link := range c.peers.Links() {
				if link.State() == LinkStateConnected {
					return ViewerStateReceiving, nil
				}
			}
		}
	}
}

// AddViewer is the broadcaster-side hook invoked when a viewer announces
// itself over the relay.
func (c *Coordinator) AddViewer(viewerID string) error {
	if c.role != RoleBroadcaster {
		return ErrBroadcasterOnly
	}
	_, err := c.peers.AddViewer(viewerID)
	return err
}
