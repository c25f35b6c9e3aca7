package livestream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Role tags a signaling participant. Offers are only processed when
// broadcaster-originated, answers only when viewer-originated.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// SignalMessage is the negotiation payload exchanged between a broadcaster
// and its viewers. The same schema rides the in-process channel and the
// WebSocket relay. Delivery is at-least-once; receivers dedupe by ID.
type SignalMessage struct {
	ID        string                     `bson:"_id,omitempty" json:"id"`
	Type      SignalType                 `bson:"type" json:"type"`
	From      string                     `bson:"from" json:"from"`
	To        string                     `bson:"to,omitempty" json:"to,omitempty"`
	Role      Role                       `bson:"role" json:"role"`
	Token     string                     `bson:"token,omitempty" json:"token,omitempty"`
	SDP       *webrtc.SessionDescription `bson:"sdp,omitempty" json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `bson:"candidate,omitempty" json:"candidate,omitempty"`
	SentAt    time.Time                  `bson:"sent_at" json:"sent_at"`
}

type SignalHandler func(SignalMessage)

// SignalingChannel fans signaling messages out to all subscribed participants
// and records every message in the durable log. It does not retry: a peer
// that missed delivery replays the log on reconnect.
type SignalingChannel struct {
	mu      sync.Mutex
	subs    map[int]SignalHandler
	nextID  int
	backlog SignalLog
	log     *zap.Logger
}

func NewSignalingChannel(backlog SignalLog, log *zap.Logger) *SignalingChannel {
	return &SignalingChannel{
		subs:    make(map[int]SignalHandler),
		backlog: backlog,
		log:     log,
	}
}

// Publish assigns the message an id and timestamp if absent, delivers it to
// all subscribers and appends it to the fallback log. The log write happens
// even when a subscriber fails, so the message is never lost entirely.
func (c *SignalingChannel) Publish(msg SignalMessage) SignalMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	c.mu.Lock()
	snapshot := make([]SignalHandler, 0, len(c.subs))
	for _, h := range c.subs {
		snapshot = append(snapshot, h)
	}
	c.mu.Unlock()

	for _, h := range snapshot {
		c.deliver(h, msg)
	}

	if c.backlog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.backlog.Append(ctx, msg); err != nil {
			c.log.Warn("signal backlog append failed",
				zap.String("id", msg.ID),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
		cancel()
	}

	return msg
}

// Subscribe registers a message handler; the returned function unsubscribes
// and is safe to call more than once.
func (c *SignalingChannel) Subscribe(h SignalHandler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Replay feeds logged messages since t to the handler, oldest first. Receivers
// dedupe by id, so replaying already seen messages is harmless.
func (c *SignalingChannel) Replay(ctx context.Context, t time.Time, h SignalHandler) error {
	if c.backlog == nil {
		return nil
	}
	msgs, err := c.backlog.Since(ctx, t)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		c.deliver(h, m)
	}
	return nil
}

func (c *SignalingChannel) deliver(h SignalHandler, msg SignalMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("signal handler panicked",
				zap.String("id", msg.ID),
				zap.Any("panic", r))
		}
	}()
	h(msg)
}
