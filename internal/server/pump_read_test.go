package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-dev/coedit/internal/auth"
	"github.com/coedit-dev/coedit/internal/bus"
	"github.com/coedit-dev/coedit/internal/config"
	"github.com/coedit-dev/coedit/internal/crdt"
	"github.com/coedit-dev/coedit/internal/doc"
	"github.com/coedit-dev/coedit/internal/protocol"
)

// attachTestConn builds a server, a pipe-backed connection and a live
// document the connection is attached to, mirroring what handleWebSocket
// wires up after a successful upgrade.
func attachTestConn(t *testing.T, permissions ...string) (*Server, *connection, net.Conn) {
	t.Helper()

	registry := doc.NewRegistry(doc.RegistryConfig{
		InstanceID:   "test-instance",
		IdleEvictTTL: time.Hour,
	}, bus.NewMemoryBus(), zerolog.Nop())
	t.Cleanup(registry.Shutdown)

	s := &Server{
		cfg: &config.Config{
			HandshakeTimeout:  time.Second,
			ReadIdleTimeout:   time.Second,
			CloseDrainTimeout: 50 * time.Millisecond,
			SendQueueSize:     16,
		},
		logger:   zerolog.Nop(),
		registry: registry,
	}

	c, peer := newTestConnPair(t, 16, 50*time.Millisecond, permissions...)
	d, client, err := registry.Attach(context.Background(), c.docName, c)
	require.NoError(t, err)
	c.doc = d
	c.client = client
	s.conns.Store(c, struct{}{})
	s.active.Add(1)
	return s, c, peer
}

func TestReadOnlyUpdateSilentlyDiscarded(t *testing.T) {
	s, c, _ := attachTestConn(t, auth.PermissionRead)

	frame := protocol.EncodeUpdate(crdt.EncodeOp(c.client.ID(), 0, []byte("edit")))
	assert.True(t, s.handleFrame(c, frame), "a read-only update is dropped, never a protocol error")
	assert.Equal(t, crdt.EmptyStateVector(), c.doc.StateVector(), "discarded update must not change the document")
	assert.Equal(t, stateHandshaking, c.state.Load(), "a discarded frame is not a valid sync")
	assert.Empty(t, c.send)
}

func TestReadOnlyAwarenessSilentlyDiscarded(t *testing.T) {
	s, c, _ := attachTestConn(t, auth.PermissionRead)

	state := crdt.EncodeAwarenessState(c.client.ID(), 1, []byte(`{"cursor":1}`))
	assert.True(t, s.handleFrame(c, protocol.EncodeAwareness(state)))
	assert.Nil(t, c.doc.AwarenessSnapshot(), "discarded presence must not register")
	assert.Empty(t, c.send)
}

func TestReadOnlySyncStep1StillAnswered(t *testing.T) {
	s, c, _ := attachTestConn(t, auth.PermissionRead)

	require.True(t, s.handleFrame(c, protocol.EncodeSyncStep1(crdt.EmptyStateVector())))
	assert.Equal(t, stateOpen, c.state.Load())

	reply := <-c.send
	msg, err := protocol.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, protocol.ChannelSync, msg.Channel)
	assert.Equal(t, protocol.SyncStep2, msg.SyncKind)
}

func TestWriterUpdateApplies(t *testing.T) {
	s, c, _ := attachTestConn(t, auth.PermissionRead, auth.PermissionWrite)

	frame := protocol.EncodeUpdate(crdt.EncodeOp(c.client.ID(), 0, []byte("edit")))
	require.True(t, s.handleFrame(c, frame))
	assert.NotEqual(t, crdt.EmptyStateVector(), c.doc.StateVector())
	assert.Equal(t, stateOpen, c.state.Load())
}

func TestExpiredTokenClosesWithPolicyViolation(t *testing.T) {
	s, c, peer := attachTestConn(t, auth.PermissionRead, auth.PermissionWrite)
	c.user.ExpiresAt = time.Now().Add(-time.Minute)

	go s.readPump(c)

	frame := protocol.EncodeUpdate(crdt.EncodeOp(c.client.ID(), 0, []byte("too late")))
	require.NoError(t, wsutil.WriteClientMessage(peer, ws.OpBinary, frame))

	var closed wsutil.ClosedError
	for {
		_, _, err := wsutil.ReadServerData(peer)
		if err != nil {
			require.ErrorAs(t, err, &closed)
			break
		}
	}
	assert.Equal(t, ws.StatusPolicyViolation, closed.Code)
	assert.Equal(t, crdt.EmptyStateVector(), c.doc.StateVector(), "the frame that revealed the expiry never applies")
}
