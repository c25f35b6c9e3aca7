package livestream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSignalRelay_ForwardsPublishedSignals(t *testing.T) {
	log := zap.NewNop()
	hub := NewSignalHub(log)
	channel := NewSignalingChannel(nil, log)
	NewSignalRelay(hub, channel, nil, log)

	sent := channel.Publish(SignalMessage{
		Type: SignalOffer,
		From: "host",
		To:   "viewer-1",
		Role: RoleBroadcaster,
	})

	select {
	case raw := <-hub.broadcast:
		var frame RelayMessage
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, relaySignal, frame.Type)

		var msg SignalMessage
		require.NoError(t, json.Unmarshal(frame.Payload, &msg))
		assert.Equal(t, sent.ID, msg.ID)
		assert.Equal(t, "host", msg.From)
		assert.Equal(t, "viewer-1", msg.To)
	default:
		t.Fatal("published signal was not queued for the sockets")
	}
}

func TestSignalHub_BroadcastDropsWhenBacklogged(t *testing.T) {
	hub := NewSignalHub(zap.NewNop())

	// Nobody is draining the hub; once the queue fills, Broadcast must not
	// block the publisher.
	for i := 0; i < 200; i++ {
		hub.Broadcast([]byte("frame"))
	}
	assert.Equal(t, 64, len(hub.broadcast))
}
