package livestream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func newHandlerApp(t *testing.T, f *coordinatorFixture, userID primitive.ObjectID) (*fiber.App, *ViewerSessions) {
	t.Helper()
	app := fiber.New()

	// Stand-in for the JWT middleware: inject the authenticated identity.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		return c.Next()
	})

	viewers := NewViewerSessions(f.channel, nil, 200*time.Millisecond, zap.NewNop())
	t.Cleanup(viewers.Close)

	handler := NewLivestreamHandler(f.coord, viewers, f.repo)
	app.Post("/livestream/start", handler.StartStream)
	app.Post("/livestream/stop", handler.StopStream)
	app.Get("/livestream/active", handler.GetActiveStream)
	app.Get("/livestream/state", handler.GetSessionState)
	app.Post("/livestream/join/:token", handler.JoinStream)
	app.Get("/livestream/recordings", handler.ListRecordings)
	return app, viewers
}

func TestLivestreamHandler_StartAndStop(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	userID := primitive.NewObjectID()
	app, _ := newHandlerApp(t, f, userID)

	body, _ := json.Marshal(StartStreamRequest{Title: "Physics 101"})
	req := httptest.NewRequest(http.MethodPost, "/livestream/start", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stream LiveStream
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stream))
	assert.Equal(t, "Physics 101", stream.Title)
	assert.True(t, stream.IsActive)
	assert.Equal(t, userID.Hex(), stream.CreatedBy)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/livestream/stop", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, StateIdle, f.coord.State())
}

func TestLivestreamHandler_StartForbiddenForStudents(t *testing.T) {
	f := newCoordinatorFixture(t, func(o *CoordinatorOptions) {
		o.Auth = RoleCheckerFunc(denyAll)
	})
	app, _ := newHandlerApp(t, f, primitive.NewObjectID())

	req := httptest.NewRequest(http.MethodPost, "/livestream/start", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLivestreamHandler_StopForbiddenForOtherUsers(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{Title: "Chemistry"})
	require.NoError(t, err)
	defer f.coord.Stop(ctx, "instructor-1")

	// The request carries a different authenticated user.
	app, _ := newHandlerApp(t, f, primitive.NewObjectID())

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/livestream/stop", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, StateLive, f.coord.State())
	assert.Equal(t, 1, f.repo.activeCount())
}

func TestLivestreamHandler_JoinWithoutBroadcaster(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	app, _ := newHandlerApp(t, f, primitive.NewObjectID())

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/livestream/join/token-1", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		State ViewerState `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, ViewerStateWaiting, out.State)
}

func TestLivestreamHandler_JoinNegotiatesWithBroadcaster(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	viewerID := primitive.NewObjectID()
	app, viewers := newHandlerApp(t, f, viewerID)
	ctx := context.Background()

	_, err := f.coord.Start(ctx, "instructor-1", StartStreamRequest{Title: "Biology"})
	require.NoError(t, err)
	defer f.coord.Stop(ctx, "instructor-1")
	require.NoError(t, f.coord.AddViewer(viewerID.Hex()))

	// First join replays the pending offer; the answer lands on the
	// broadcaster even though media has not started flowing yet.
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/livestream/join/token-1", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	hostLink := f.peers.Link(viewerID.Hex())
	require.NotNil(t, hostLink)
	assert.Equal(t, LinkStateConnected, hostLink.State())

	// Once the transport reports media, a repeat join sees it.
	viewerCoord := viewers.sessions[viewerID.Hex()]
	require.NotNil(t, viewerCoord)
	viewerLink := viewerCoord.peers.Link("host")
	require.NotNil(t, viewerLink)
	viewerLink.setState(LinkStateConnected)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/livestream/join/token-1", nil), 5000)
	require.NoError(t, err)
	var out struct {
		State ViewerState `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, ViewerStateReceiving, out.State)
}

func TestLivestreamHandler_ActiveStream(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	app, _ := newHandlerApp(t, f, primitive.NewObjectID())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/livestream/active", nil), 5000)
	require.NoError(t, err)
	var out struct {
		Active bool        `json:"active"`
		Stream *LiveStream `json:"stream"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Active)

	require.NoError(t, f.repo.CreateLive(context.Background(), &LiveStream{
		CreatedBy: "instructor-1",
		StreamURL: "token-1",
		IsActive:  true,
		CreatedAt: time.Now(),
	}))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/livestream/active", nil), 5000)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Active)
	require.NotNil(t, out.Stream)
	assert.Equal(t, "token-1", out.Stream.StreamURL)
}

func TestLivestreamHandler_SessionState(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	app, _ := newHandlerApp(t, f, primitive.NewObjectID())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/livestream/state", nil), 5000)
	require.NoError(t, err)

	var out struct {
		State SessionState `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, StateIdle, out.State)
}

func TestLivestreamHandler_ListRecordings(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	app, _ := newHandlerApp(t, f, primitive.NewObjectID())

	require.NoError(t, f.repo.InsertRecording(context.Background(), &RecordedStream{
		Title:    "Recorded Lecture",
		MediaURL: "https://cdn.example.com/video/upload/v1/a.webm",
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/livestream/recordings", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var recs []*RecordedStream
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "Recorded Lecture", recs[0].Title)
}
