package livestream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ViewerSessions hands out the viewer-side coordinator for each joining user.
// All viewers share the broadcaster's signaling channel; each gets its own
// peer manager so signals addressed to its id reach the right links.
type ViewerSessions struct {
	channel    *SignalingChannel
	iceServers []string
	joinWait   time.Duration
	log        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

func NewViewerSessions(channel *SignalingChannel, iceServers []string, joinWait time.Duration, log *zap.Logger) *ViewerSessions {
	return &ViewerSessions{
		channel:    channel,
		iceServers: iceServers,
		joinWait:   joinWait,
		log:        log,
		sessions:   make(map[string]*Coordinator),
	}
}

// Join runs the viewer join flow for one user, creating that user's viewer
// coordinator on first use.
func (v *ViewerSessions) Join(ctx context.Context, sessionToken, viewerID string) (ViewerState, error) {
	coord, err := v.coordinatorFor(viewerID)
	if err != nil {
		return ViewerStateWaiting, err
	}
	return coord.JoinAsViewer(ctx, sessionToken, viewerID)
}

func (v *ViewerSessions) coordinatorFor(viewerID string) (*Coordinator, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if coord, ok := v.sessions[viewerID]; ok {
		return coord, nil
	}

	peers, err := NewPeerManager(viewerID, RoleViewer, v.iceServers, v.channel, v.log)
	if err != nil {
		return nil, err
	}
	coord := NewCoordinator(CoordinatorOptions{
		Role:     RoleViewer,
		SelfID:   viewerID,
		Channel:  v.channel,
		Peers:    peers,
		JoinWait: v.joinWait,
		Log:      v.log,
	})
	v.sessions[viewerID] = coord
	return coord, nil
}

// Leave tears down one viewer's links and forgets the session.
func (v *ViewerSessions) Leave(viewerID string) {
	v.mu.Lock()
	coord, ok := v.sessions[viewerID]
	if ok {
		delete(v.sessions, viewerID)
	}
	v.mu.Unlock()

	if ok {
		coord.peers.Close()
	}
}

// Close tears down every viewer session.
func (v *ViewerSessions) Close() {
	v.mu.Lock()
	sessions := v.sessions
	v.sessions = make(map[string]*Coordinator)
	v.mu.Unlock()

	for _, coord := range sessions {
		coord.peers.Close()
	}
}
