package livestream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryRepo is an in-memory SessionRepository for coordinator tests.
type memoryRepo struct {
	mu         sync.Mutex
	live       []*LiveStream
	recordings []*RecordedStream
	failCreate bool
}

func (r *memoryRepo) CreateLive(_ context.Context, rec *LiveStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate {
		return errors.New("database unavailable")
	}
	r.live = append(r.live, rec)
	return nil
}

func (r *memoryRepo) CloseAllFor(_ context.Context, userID string, endedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var closed int64
	for _, rec := range r.live {
		if rec.CreatedBy == userID && rec.IsActive {
			rec.IsActive = false
			ended := endedAt
			rec.EndedAt = &ended
			closed++
		}
	}
	return closed, nil
}

func (r *memoryRepo) ActiveStream(_ context.Context) (*LiveStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *LiveStream
	for _, rec := range r.live {
		if rec.IsActive && (latest == nil || rec.CreatedAt.After(latest.CreatedAt)) {
			latest = rec
		}
	}
	return latest, nil
}

func (r *memoryRepo) InsertRecording(_ context.Context, rec *RecordedStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordings = append(r.recordings, rec)
	return nil
}

func (r *memoryRepo) ListRecordings(_ context.Context) ([]*RecordedStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RecordedStream(nil), r.recordings...), nil
}

func (r *memoryRepo) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.live {
		if rec.IsActive {
			n++
		}
	}
	return n
}

// blockingCapture holds Acquire until released, so tests can interleave a
// stop request with a start in flight.
type blockingCapture struct {
	inner     CaptureDevice
	acquiring chan struct{}
	release   chan struct{}
}

func newBlockingCapture() *blockingCapture {
	return &blockingCapture{
		inner:     NewCaptureDevice(zap.NewNop()),
		acquiring: make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (c *blockingCapture) Acquire(ctx context.Context, cons CaptureConstraints) (*MediaStream, error) {
	close(c.acquiring)
	<-c.release
	return c.inner.Acquire(ctx, cons)
}

// recordingUploader captures uploads instead of shipping them anywhere.
type recordingUploader struct {
	mu      sync.Mutex
	uploads []*Recording
}

func (u *recordingUploader) Upload(_ context.Context, rec *Recording, _ UploadMetadata) (*UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, rec)
	return &UploadResult{
		URL:             "https://cdn.example.com/video/upload/v1/rec.webm",
		ThumbnailURL:    "https://cdn.example.com/video/upload/so_0/v1/rec.webm",
		DurationSeconds: rec.Duration.Seconds(),
	}, nil
}

func allowAll(context.Context, string) (bool, error) { return true, nil }
func denyAll(context.Context, string) (bool, error)  { return false, nil }

type coordinatorFixture struct {
	coord    *Coordinator
	repo     *memoryRepo
	store    *SessionStore
	uploader *recordingUploader
	peers    *PeerManager
	channel  *SignalingChannel
}

func newCoordinatorFixture(t *testing.T, opts func(*CoordinatorOptions)) *coordinatorFixture {
	t.Helper()
	log := zap.NewNop()

	repo := &memoryRepo{}
	store := NewSessionStore(log)
	channel := NewSignalingChannel(NewMemorySignalLog(64), log)
	uploader := &recordingUploader{}

	peers, err := NewPeerManager("host", RoleBroadcaster, nil, channel, log)
	require.NoError(t, err)
	t.Cleanup(peers.Close)

	co := CoordinatorOptions{
		Role:         RoleBroadcaster,
		SelfID:       "host",
		Capture:      NewCaptureDevice(log),
		Store:        store,
		Channel:      channel,
		Peers:        peers,
		Recorder:     NewRecorder(5*time.Millisecond, log),
		Repo:         repo,
		Uploader:     uploader,
		Auth:         RoleCheckerFunc(allowAll),
		DBTimeout:    time.Second,
		PollInterval: 10 * time.Millisecond,
		JoinWait:     50 * time.Millisecond,
		Log:          log,
	}
	if opts != nil {
		opts(&co)
	}

	return &coordinatorFixture{
		coord:    NewCoordinator(co),
		repo:     repo,
		store:    store,
		uploader: uploader,
		peers:    peers,
		channel:  channel,
	}
}

func TestCoordinator_StartGoesLive(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	rec, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{Title: "Algebra II"})
	require.NoError(t, err)
	defer f.coord.Stop(ctx, "instructor-1")

	assert.Equal(t, StateLive, f.coord.State())
	assert.Equal(t, "Algebra II", rec.Title)
	assert.True(t, rec.IsActive)
	assert.NotEmpty(t, rec.StreamURL)

	// Capture is published locally and the record persisted.
	require.NotNil(t, f.store.GetStream())
	assert.True(t, f.store.GetStream().Live())
	assert.Equal(t, 1, f.repo.activeCount())
}

func TestCoordinator_StartDeniedForNonBroadcaster(t *testing.T) {
	f := newCoordinatorFixture(t, func(o *CoordinatorOptions) {
		o.Auth = RoleCheckerFunc(denyAll)
	})

	_, err := f.coord.Start(context.Background(), "student-1", StartStreamRequest{})
	assert.ErrorIs(t, err, ErrNotBroadcaster)
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Nil(t, f.store.GetStream())
}

func TestCoordinator_StartIdempotentWhileLive(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	first, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
	require.NoError(t, err)
	defer f.coord.Stop(ctx, "instructor-1")

	second, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.repo.activeCount())

	_, err = f.coord.Start(ctx, "instructor-2", StartStreamRequest{})
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestCoordinator_StartDegradesOnDatabaseFailure(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.repo.failCreate = true
	ctx := context.Background()

	rec, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
	require.NoError(t, err)
	defer f.coord.Stop(ctx, "instructor-1")

	// The session is live but untracked; other clients cannot discover it.
	assert.Equal(t, StateLive, f.coord.State())
	assert.True(t, rec.IsActive)
	assert.Zero(t, f.repo.activeCount())
	assert.NotNil(t, f.store.GetStream())
}

func TestCoordinator_StopWhileIdleIsNoOp(t *testing.T) {
	f := newCoordinatorFixture(t, nil)

	require.NoError(t, f.coord.Stop(context.Background(), "instructor-1"))
	assert.Equal(t, StateIdle, f.coord.State())
}

func TestCoordinator_StopCleansUpEverything(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
	require.NoError(t, err)
	stream := f.store.GetStream()
	require.NotNil(t, stream)
	time.Sleep(30 * time.Millisecond) // let the recorder buffer something

	require.NoError(t, f.coord.Stop(ctx, "instructor-1"))

	assert.Equal(t, StateIdle, f.coord.State())
	assert.Nil(t, f.store.GetStream())
	assert.False(t, stream.Live())
	assert.Empty(t, f.peers.Links())
	assert.Zero(t, f.repo.activeCount())

	// The recording reached the uploader and a record was written.
	require.Len(t, f.uploader.uploads, 1)
	recs, err := f.repo.ListRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://cdn.example.com/video/upload/v1/rec.webm", recs[0].MediaURL)
}

func TestCoordinator_StopRejectedForOtherUsers(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
	require.NoError(t, err)
	defer f.coord.Stop(ctx, "instructor-1")

	// A different authenticated user must not be able to end the session:
	// the broadcast keeps running and its record stays active.
	assert.ErrorIs(t, f.coord.Stop(ctx, "student-99"), ErrNotSessionOwner)
	assert.Equal(t, StateLive, f.coord.State())
	require.NotNil(t, f.store.GetStream())
	assert.True(t, f.store.GetStream().Live())
	assert.Equal(t, 1, f.repo.activeCount())

	require.NoError(t, f.coord.Stop(ctx, "instructor-1"))
	assert.Zero(t, f.repo.activeCount())
}

func TestCoordinator_StopDuringStartRejectedForOtherUsers(t *testing.T) {
	capture := newBlockingCapture()
	f := newCoordinatorFixture(t, func(o *CoordinatorOptions) {
		o.Capture = capture
	})
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() {
		_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
		startErr <- err
	}()

	<-capture.acquiring
	assert.ErrorIs(t, f.coord.Stop(ctx, "student-99"), ErrNotSessionOwner)
	close(capture.release)

	require.NoError(t, <-startErr)
	assert.Equal(t, StateLive, f.coord.State())
	require.NoError(t, f.coord.Stop(ctx, "instructor-1"))
}

func TestCoordinator_StopClosesAllActiveRecords(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	// A stale active record from a crashed session lingers in the store.
	require.NoError(t, f.repo.CreateLive(ctx, &LiveStream{
		CreatedBy: "instructor-1",
		StreamURL: "stale-token",
		IsActive:  true,
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, f.repo.activeCount())

	require.NoError(t, f.coord.Stop(ctx, "instructor-1"))
	assert.Zero(t, f.repo.activeCount())
}

func TestCoordinator_StopDuringStartCancels(t *testing.T) {
	capture := newBlockingCapture()
	f := newCoordinatorFixture(t, func(o *CoordinatorOptions) {
		o.Capture = capture
	})
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() {
		_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
		startErr <- err
	}()

	<-capture.acquiring
	require.Equal(t, StateStarting, f.coord.State())
	require.NoError(t, f.coord.Stop(ctx, "instructor-1"))
	close(capture.release)

	assert.ErrorIs(t, <-startErr, ErrStartCancelled)
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Nil(t, f.store.GetStream())
	assert.Zero(t, f.repo.activeCount())
}

func TestCoordinator_ReconcileObservesActiveSessions(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *LiveStream, 8)
	f.coord.SetActiveChangeHandler(func(rec *LiveStream) {
		changes <- rec
	})
	go f.coord.RunReconcile(ctx)

	require.NoError(t, f.repo.CreateLive(ctx, &LiveStream{
		CreatedBy: "instructor-1",
		StreamURL: "token-1",
		IsActive:  true,
		CreatedAt: time.Now(),
	}))
	f.coord.Notify()

	select {
	case rec := <-changes:
		require.NotNil(t, rec)
		assert.Equal(t, "token-1", rec.StreamURL)
	case <-time.After(time.Second):
		t.Fatal("reconcile did not observe the new session")
	}

	_, err := f.repo.CloseAllFor(ctx, "instructor-1", time.Now())
	require.NoError(t, err)
	f.coord.Notify()

	select {
	case rec := <-changes:
		assert.Nil(t, rec)
	case <-time.After(time.Second):
		t.Fatal("reconcile did not observe the session ending")
	}
}

func TestCoordinator_JoinAsViewerWaitsWithoutBroadcaster(t *testing.T) {
	f := newCoordinatorFixture(t, func(o *CoordinatorOptions) {
		o.Role = RoleViewer
		o.SelfID = "viewer-1"
	})

	state, err := f.coord.JoinAsViewer(context.Background(), "token-1", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, ViewerStateWaiting, state)
}

func TestCoordinator_JoinAsViewerRejectsBroadcaster(t *testing.T) {
	f := newCoordinatorFixture(t, nil)

	_, err := f.coord.JoinAsViewer(context.Background(), "token-1", "host")
	assert.ErrorIs(t, err, ErrViewerOnly)
}

func TestCoordinator_ViewerReceivesAfterCatchUp(t *testing.T) {
	log := zap.NewNop()

	// Broadcaster side, fully wired.
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{})
	require.NoError(t, err)
	defer f.coord.Stop(ctx, "instructor-1")

	// The broadcaster offers to the viewer before the viewer subscribes; the
	// offer lands in the durable log only.
	require.NoError(t, f.coord.AddViewer("viewer-1"))

	viewerPeers, err := NewPeerManager("viewer-1", RoleViewer, nil, f.channel, log)
	require.NoError(t, err)
	defer viewerPeers.Close()

	viewer := NewCoordinator(CoordinatorOptions{
		Role:     RoleViewer,
		SelfID:   "viewer-1",
		Capture:  NewCaptureDevice(log),
		Store:    NewSessionStore(log),
		Channel:  f.channel,
		Peers:    viewerPeers,
		Recorder: NewRecorder(time.Second, log),
		Repo:     f.repo,
		Auth:     RoleCheckerFunc(denyAll),
		JoinWait: time.Second,
		Log:      log,
	})

	// Replay delivers the missed offer; the viewer answers live and the
	// broadcaster's link settles.
	require.NoError(t, f.channel.Replay(ctx, time.Time{}, viewerPeers.HandleSignal))

	hostLink := f.peers.Link("viewer-1")
	require.NotNil(t, hostLink)
	assert.Equal(t, LinkStateConnected, hostLink.State())

	// Emulate the transport completing on the viewer side; join then reports
	// media flowing instead of waiting.
	viewerLink := viewerPeers.Link("host")
	require.NotNil(t, viewerLink)
	viewerLink.setState(LinkStateConnected)

	state, err := viewer.JoinAsViewer(ctx, "token", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, ViewerStateReceiving, state)
}

func TestCoordinator_AddViewerRequiresBroadcasterRole(t *testing.T) {
	f := newCoordinatorFixture(t, func(o *CoordinatorOptions) {
		o.Role = RoleViewer
		o.SelfID = "viewer-1"
	})

	assert.ErrorIs(t, f.coord.AddViewer("someone"), ErrBroadcasterOnly)
}

func TestCoordinator_PollActiveSession(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	rec, err := f.coord.PollActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, f.repo.CreateLive(ctx, &LiveStream{
		CreatedBy: "instructor-1",
		StreamURL: "token-1",
		IsActive:  true,
		CreatedAt: time.Now(),
	}))

	rec, err = f.coord.PollActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "token-1", rec.StreamURL)
}
