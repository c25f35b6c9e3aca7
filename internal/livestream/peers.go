package livestream

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type LinkState string

const (
	LinkStateNew          LinkState = "new"
	LinkStateNegotiating  LinkState = "negotiating"
	LinkStateConnected    LinkState = "connected"
	LinkStateDisconnected LinkState = "disconnected"
	LinkStateClosed       LinkState = "closed"
)

// PeerLink is one media connection to a counterpart. closed is terminal.
type PeerLink struct {
	RemoteID string

	mu             sync.Mutex
	state          LinkState
	pc             *webrtc.PeerConnection
	pending        []webrtc.ICECandidateInit
	remoteSet      bool
	tracksAttached bool
}

func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkStateClosed {
		return
	}
	l.state = s
}

// RemoteTrackHandler receives inbound media tracks for the display layer.
type RemoteTrackHandler func(remoteID string, track *webrtc.TrackRemote)

// PeerManager owns the peer connections of one participant and drives
// offer/answer negotiation and candidate exchange through the signaling
// channel. Per-link failures are isolated: a failed negotiation tears down
// that link only.
type PeerManager struct {
	selfID  string
	role    Role
	api     *webrtc.API
	rtcConf webrtc.Configuration
	channel *SignalingChannel
	log     *zap.Logger

	mu          sync.RWMutex
	links       map[string]*PeerLink
	seen        map[string]struct{}
	seenOrder   []string
	seenLimit   int
	localStream *MediaStream
	onTrack     RemoteTrackHandler
	unsubscribe func()
}

// seenLimitDefault bounds the dedup window. Old ids age out in insertion
// order, mirroring how MemorySignalLog trims its ring.
const seenLimitDefault = 1024

func NewPeerManager(selfID string, role Role, iceServers []string, channel *SignalingChannel, log *zap.Logger) (*PeerManager, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	pm := &PeerManager{
		selfID:    selfID,
		role:      role,
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		rtcConf:   webrtc.Configuration{ICEServers: servers},
		channel:   channel,
		log:       log,
		links:     make(map[string]*PeerLink),
		seen:      make(map[string]struct{}),
		seenLimit: seenLimitDefault,
	}
	if channel != nil {
		pm.unsubscribe = channel.Subscribe(pm.HandleSignal)
	}
	return pm, nil
}

func (pm *PeerManager) SetRemoteTrackHandler(fn RemoteTrackHandler) {
	pm.mu.Lock()
	pm.onTrack = fn
	pm.mu.Unlock()
}

// HandleSignal dispatches one signaling message. Messages already processed
// (same id) are dropped, surviving at-least-once delivery upstream. Routing:
// only a viewer processes broadcaster offers, only the broadcaster processes
// viewer answers, candidates go to the matching link regardless of role.
func (pm *PeerManager) HandleSignal(msg SignalMessage) {
	if msg.From == pm.selfID {
		return
	}
	if msg.To != "" && msg.To != pm.selfID {
		return
	}

	pm.mu.Lock()
	if _, dup := pm.seen[msg.ID]; dup {
		pm.mu.Unlock()
		return
	}
	pm.seen[msg.ID] = struct{}{}
	pm.seenOrder = append(pm.seenOrder, msg.ID)
	if len(pm.seenOrder) > pm.seenLimit {
		evict := pm.seenOrder[0]
		pm.seenOrder = pm.seenOrder[1:]
		delete(pm.seen, evict)
	}
	pm.mu.Unlock()

	switch msg.Type {
	case SignalOffer:
		if pm.role == RoleBroadcaster || msg.Role != RoleBroadcaster {
			return
		}
		pm.handleOffer(msg)
	case SignalAnswer:
		if pm.role != RoleBroadcaster || msg.Role != RoleViewer {
			return
		}
		pm.HandleAnswer(msg)
	case SignalICECandidate:
		if msg.Candidate == nil {
			return
		}
		pm.HandleRemoteCandidate(msg.From, *msg.Candidate)
	default:
		pm.log.Debug("unknown signal type", zap.String("type", string(msg.Type)))
	}
}

// CreateLink allocates a connection for a counterpart, wiring candidate
// forwarding, inbound track delivery and state diagnostics.
func (pm *PeerManager) CreateLink(remoteID string) (*PeerLink, error) {
	pm.mu.Lock()
	if existing, ok := pm.links[remoteID]; ok {
		pm.mu.Unlock()
		return existing, nil
	}
	pm.mu.Unlock()

	pc, err := pm.api.NewPeerConnection(pm.rtcConf)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}

	link := &PeerLink{RemoteID: remoteID, state: LinkStateNew, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		pm.channel.Publish(SignalMessage{
			Type:      SignalICECandidate,
			From:      pm.selfID,
			To:        remoteID,
			Role:      pm.role,
			Candidate: &init,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pm.log.Info("remote track received",
			zap.String("remote", remoteID),
			zap.String("kind", track.Kind().String()))
		pm.mu.RLock()
		handler := pm.onTrack
		pm.mu.RUnlock()
		if handler != nil {
			handler(remoteID, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pm.log.Info("peer connection state changed",
			zap.String("remote", remoteID),
			zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			link.setState(LinkStateConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			link.setState(LinkStateDisconnected)
		}
	})

	pm.mu.Lock()
	pm.links[remoteID] = link
	pm.mu.Unlock()
	return link, nil
}

// StartBroadcast attaches the local tracks to every link and sends each one a
// broadcaster-tagged offer. Capture acquisition has already completed by the
// time this runs, so the offer never races the stream's existence.
func (pm *PeerManager) StartBroadcast(stream *MediaStream) error {
	if pm.role != RoleBroadcaster {
		return errors.New("only the broadcaster can start a broadcast")
	}

	pm.mu.Lock()
	pm.localStream = stream
	snapshot := make([]*PeerLink, 0, len(pm.links))
	for _, l := range pm.links {
		snapshot = append(snapshot, l)
	}
	pm.mu.Unlock()

	for _, link := range snapshot {
		if err := pm.offerTo(link, stream); err != nil {
			pm.log.Warn("offer failed, tearing down link",
				zap.String("remote", link.RemoteID), zap.Error(err))
			pm.Teardown(link.RemoteID)
		}
	}
	return nil
}

// AddViewer creates a link for a newly announced viewer and, when a broadcast
// is running, immediately negotiates with it.
func (pm *PeerManager) AddViewer(viewerID string) (*PeerLink, error) {
	link, err := pm.CreateLink(viewerID)
	if err != nil {
		return nil, err
	}

	pm.mu.RLock()
	stream := pm.localStream
	pm.mu.RUnlock()

	if stream != nil {
		if err := pm.offerTo(link, stream); err != nil {
			pm.Teardown(viewerID)
			return nil, err
		}
	}
	return link, nil
}

func (pm *PeerManager) offerTo(link *PeerLink, stream *MediaStream) error {
	if link.State() == LinkStateClosed {
		return errors.New("link closed")
	}

	link.mu.Lock()
	attached := link.tracksAttached
	link.tracksAttached = true
	link.mu.Unlock()

	if !attached {
		for _, t := range stream.Tracks {
			if _, err := link.pc.AddTrack(t.Sample()); err != nil {
				return errors.Wrapf(err, "add %s track", t.Kind())
			}
		}
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "create offer")
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set local description")
	}
	link.setState(LinkStateNegotiating)

	pm.channel.Publish(SignalMessage{
		Type: SignalOffer,
		From: pm.selfID,
		To:   link.RemoteID,
		Role: RoleBroadcaster,
		SDP:  link.pc.LocalDescription(),
	})
	return nil
}

// handleOffer runs on the viewer side: set the remote description, answer,
// and publish the answer tagged viewer-originated. Offers arriving after the
// link connected are ignored; renegotiation is not supported.
func (pm *PeerManager) handleOffer(msg SignalMessage) {
	if msg.SDP == nil {
		return
	}

	link, err := pm.CreateLink(msg.From)
	if err != nil {
		pm.log.Warn("create link for offer failed", zap.Error(err))
		return
	}
	if state := link.State(); state == LinkStateConnected || state == LinkStateClosed {
		pm.log.Debug("ignoring offer on settled link",
			zap.String("remote", msg.From), zap.String("state", string(state)))
		return
	}

	if err := pm.answer(link, msg); err != nil {
		pm.log.Warn("offer negotiation failed, tearing down link",
			zap.String("remote", msg.From), zap.Error(err))
		pm.Teardown(msg.From)
	}
}

func (pm *PeerManager) answer(link *PeerLink, msg SignalMessage) error {
	if err := link.pc.SetRemoteDescription(*msg.SDP); err != nil {
		return errors.Wrap(err, "set remote description")
	}
	link.setState(LinkStateNegotiating)
	pm.flushPending(link)

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "create answer")
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "set local description")
	}

	pm.channel.Publish(SignalMessage{
		Type: SignalAnswer,
		From: pm.selfID,
		To:   msg.From,
		Role: RoleViewer,
		SDP:  link.pc.LocalDescription(),
	})
	return nil
}

// HandleAnswer runs on the broadcaster side and completes negotiation for the
// matching link.
func (pm *PeerManager) HandleAnswer(msg SignalMessage) {
	if msg.SDP == nil {
		return
	}

	link := pm.Link(msg.From)
	if link == nil {
		pm.log.Debug("answer for unknown link", zap.String("remote", msg.From))
		return
	}
	if state := link.State(); state == LinkStateConnected || state == LinkStateClosed {
		return
	}

	if err := link.pc.SetRemoteDescription(*msg.SDP); err != nil {
		pm.log.Warn("answer negotiation failed, tearing down link",
			zap.String("remote", msg.From), zap.Error(err))
		pm.Teardown(msg.From)
		return
	}
	pm.flushPending(link)
	link.setState(LinkStateConnected)
}

// HandleRemoteCandidate adds a candidate to the matching link. Candidates
// that arrive before the remote description are buffered and flushed once
// negotiation reaches that point.
func (pm *PeerManager) HandleRemoteCandidate(from string, candidate webrtc.ICECandidateInit) {
	link := pm.Link(from)
	if link == nil {
		return
	}

	link.mu.Lock()
	if !link.remoteSet {
		link.pending = append(link.pending, candidate)
		link.mu.Unlock()
		return
	}
	link.mu.Unlock()

	if err := link.pc.AddICECandidate(candidate); err != nil {
		pm.log.Warn("add ice candidate failed",
			zap.String("remote", from), zap.Error(err))
	}
}

func (pm *PeerManager) flushPending(link *PeerLink) {
	link.mu.Lock()
	link.remoteSet = true
	pending := link.pending
	link.pending = nil
	link.mu.Unlock()

	for _, c := range pending {
		if err := link.pc.AddICECandidate(c); err != nil {
			pm.log.Warn("flush ice candidate failed",
				zap.String("remote", link.RemoteID), zap.Error(err))
		}
	}
}

// Teardown closes and removes one link. Safe to call repeatedly and for
// unknown ids.
func (pm *PeerManager) Teardown(remoteID string) {
	pm.mu.Lock()
	link, ok := pm.links[remoteID]
	if ok {
		delete(pm.links, remoteID)
	}
	pm.mu.Unlock()

	if !ok {
		return
	}

	link.mu.Lock()
	link.state = LinkStateClosed
	pc := link.pc
	link.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			pm.log.Warn("close peer connection failed",
				zap.String("remote", remoteID), zap.Error(err))
		}
	}
	pm.log.Info("peer link closed", zap.String("remote", remoteID))
}

// TeardownAll closes every link.
func (pm *PeerManager) TeardownAll() {
	pm.mu.RLock()
	ids := make([]string, 0, len(pm.links))
	for id := range pm.links {
		ids = append(ids, id)
	}
	pm.mu.RUnlock()

	for _, id := range ids {
		pm.Teardown(id)
	}

	pm.mu.Lock()
	pm.localStream = nil
	pm.mu.Unlock()
}

// Link returns the link for a counterpart, or nil.
func (pm *PeerManager) Link(remoteID string) *PeerLink {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.links[remoteID]
}

// Links returns a snapshot of all active links.
func (pm *PeerManager) Links() []*PeerLink {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*PeerLink, 0, len(pm.links))
	for _, l := range pm.links {
		out = append(out, l)
	}
	return out
}

// Close detaches from the signaling channel and tears down every link.
func (pm *PeerManager) Close() {
	if pm.unsubscribe != nil {
		pm.unsubscribe()
	}
	pm.TeardownAll()
}
