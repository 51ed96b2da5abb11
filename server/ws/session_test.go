// SPDX-License-Identifier: ice License 1.0

package ws_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	gobwasws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/moar/dispatcher"
	"github.com/ice-blockchain/moar/model"
	"github.com/ice-blockchain/moar/policy"
	"github.com/ice-blockchain/moar/ratelimit"
	"github.com/ice-blockchain/moar/server/ws"
	"github.com/ice-blockchain/moar/store"
)

const testTimeout = 3 * time.Second

func newTestInstance(t *testing.T, eng *policy.Engine) *ws.Instance {
	t.Helper()

	disp := dispatcher.NewInstance()
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"), disp.Publish)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go disp.Run(ctx)

	if eng == nil {
		eng = &policy.Engine{}
	}

	return &ws.Instance{
		ID:         "test",
		Store:      st,
		Policy:     eng,
		Dispatcher: disp,
		RateLimit:  ratelimit.New(),
		Limits:     ratelimit.Limits{},
		RelayURL:   "wss://relay.test.example.com",
	}
}

// dial starts a Session over an in-process pipe, standing in for a
// connection already upgraded by the gateway.
func dial(t *testing.T, inst *ws.Instance) net.Conn {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.Serve(context.Background(), serverConn, inst, "203.0.113.7:5555")
	}()
	t.Cleanup(func() {
		_ = clientConn.Close()
		<-done
	})

	return clientConn
}

func writeFrame(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientMessage(conn, gobwasws.OpText, []byte(raw)))
}

func writeJSONFrame(t *testing.T, conn net.Conn, payload []any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	writeFrame(t, conn, string(data))
}

func readFrame(t *testing.T, conn net.Conn) []json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)

	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))

	return frame
}

func frameLabel(t *testing.T, frame []json.RawMessage) string {
	t.Helper()
	var label string
	require.NoError(t, json.Unmarshal(frame[0], &label))

	return label
}

func newSignedEvent(t *testing.T, kind int, content string) *nostr.Event {
	t.Helper()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	ev := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))

	return ev
}

func TestSession_EventAccepted(t *testing.T) {
	inst := newTestInstance(t, nil)
	conn := dial(t, inst)

	ev := newSignedEvent(t, nostr.KindTextNote, "hello")
	writeJSONFrame(t, conn, []any{"EVENT", ev})

	frame := readFrame(t, conn)
	assert.Equal(t, "OK", frameLabel(t, frame))

	var id string
	require.NoError(t, json.Unmarshal(frame[1], &id))
	assert.Equal(t, ev.ID, id)

	var accepted bool
	require.NoError(t, json.Unmarshal(frame[2], &accepted))
	assert.True(t, accepted)
}

func TestSession_DuplicateEventStillAcceptedWithReason(t *testing.T) {
	inst := newTestInstance(t, nil)
	conn := dial(t, inst)

	ev := newSignedEvent(t, nostr.KindTextNote, "repeat me")
	writeJSONFrame(t, conn, []any{"EVENT", ev})
	_ = readFrame(t, conn) // first OK

	writeJSONFrame(t, conn, []any{"EVENT", ev})
	frame := readFrame(t, conn)
	assert.Equal(t, "OK", frameLabel(t, frame))

	var accepted bool
	require.NoError(t, json.Unmarshal(frame[2], &accepted))
	assert.True(t, accepted)

	var reason string
	require.NoError(t, json.Unmarshal(frame[3], &reason))
	assert.Contains(t, reason, "duplicate")
}

func TestSession_ReqReturnsHistoricalEventsThenEOSE(t *testing.T) {
	inst := newTestInstance(t, nil)
	conn := dial(t, inst)

	ev := newSignedEvent(t, nostr.KindTextNote, "already stored")
	writeJSONFrame(t, conn, []any{"EVENT", ev})
	_ = readFrame(t, conn) // OK

	writeJSONFrame(t, conn, []any{"REQ", "sub1", map[string]any{"kinds": []int{nostr.KindTextNote}}})

	evFrame := readFrame(t, conn)
	assert.Equal(t, "EVENT", frameLabel(t, evFrame))

	var gotEvent model.Event
	require.NoError(t, json.Unmarshal(evFrame[2], &gotEvent))
	assert.Equal(t, ev.ID, gotEvent.ID)

	eoseFrame := readFrame(t, conn)
	assert.Equal(t, "EOSE", frameLabel(t, eoseFrame))
}

func TestSession_ReqWithZeroLimitIsRejected(t *testing.T) {
	inst := newTestInstance(t, nil)
	conn := dial(t, inst)

	writeFrame(t, conn, `["REQ","sub1",{"kinds":[1],"limit":0}]`)

	frame := readFrame(t, conn)
	assert.Equal(t, "NOTICE", frameLabel(t, frame))

	_, _, err := wsutil.ReadServerData(conn)
	assert.Error(t, err) // the session closes right after the NOTICE
}

func TestSession_MaxSubscriptionsEnforced(t *testing.T) {
	inst := newTestInstance(t, nil)
	inst.MaxSubscriptions = 1
	conn := dial(t, inst)

	writeJSONFrame(t, conn, []any{"REQ", "sub1", map[string]any{"kinds": []int{1}}})
	assert.Equal(t, "EOSE", frameLabel(t, readFrame(t, conn)))

	writeJSONFrame(t, conn, []any{"REQ", "sub2", map[string]any{"kinds": []int{1}}})
	frame := readFrame(t, conn)
	assert.Equal(t, "CLOSED", frameLabel(t, frame))

	var reason string
	require.NoError(t, json.Unmarshal(frame[2], &reason))
	assert.Contains(t, reason, "too many subscriptions")
}

func TestSession_CloseRemovesSubscription(t *testing.T) {
	inst := newTestInstance(t, nil)
	inst.MaxSubscriptions = 1
	conn := dial(t, inst)

	writeJSONFrame(t, conn, []any{"REQ", "sub1", map[string]any{"kinds": []int{1}}})
	assert.Equal(t, "EOSE", frameLabel(t, readFrame(t, conn)))

	writeJSONFrame(t, conn, []any{"CLOSE", "sub1"})

	// With room for one subscription, a REQ under a new id is only served
	// (rather than CLOSED "too many subscriptions") if CLOSE freed sub1.
	writeJSONFrame(t, conn, []any{"REQ", "sub2", map[string]any{"kinds": []int{1}}})
	assert.Equal(t, "EOSE", frameLabel(t, readFrame(t, conn)))
}

func TestSession_AuthChallengeThenAcceptedResponse(t *testing.T) {
	eng := &policy.Engine{Write: policy.WritePolicy{PubkeyGate: policy.PubkeyGate{RequireAuth: true}}}
	inst := newTestInstance(t, eng)
	conn := dial(t, inst)

	ev := newSignedEvent(t, nostr.KindTextNote, "needs auth")
	writeJSONFrame(t, conn, []any{"EVENT", ev})

	// The challenge is sent before the rejecting OK, in that wire order.
	authFrame := readFrame(t, conn)
	assert.Equal(t, "AUTH", frameLabel(t, authFrame))
	var challenge string
	require.NoError(t, json.Unmarshal(authFrame[1], &challenge))
	assert.NotEmpty(t, challenge)

	rejected := readFrame(t, conn)
	assert.Equal(t, "OK", frameLabel(t, rejected))
	var accepted bool
	require.NoError(t, json.Unmarshal(rejected[2], &accepted))
	assert.False(t, accepted)

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	authEvent := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      22242,
		Tags: nostr.Tags{
			{"relay", inst.RelayURL},
			{"challenge", challenge},
		},
	}
	require.NoError(t, authEvent.Sign(sk))
	writeJSONFrame(t, conn, []any{"AUTH", authEvent})

	authOK := readFrame(t, conn)
	assert.Equal(t, "OK", frameLabel(t, authOK))
	require.NoError(t, json.Unmarshal(authOK[2], &accepted))
	assert.True(t, accepted)

	writeJSONFrame(t, conn, []any{"EVENT", ev})
	final := readFrame(t, conn)
	assert.Equal(t, "OK", frameLabel(t, final))
	require.NoError(t, json.Unmarshal(final[2], &accepted))
	assert.True(t, accepted)
}

func TestSession_AuthWithMismatchedChallengeRejected(t *testing.T) {
	eng := &policy.Engine{Read: policy.ReadPolicy{PubkeyGate: policy.PubkeyGate{RequireAuth: true}}}
	inst := newTestInstance(t, eng)
	conn := dial(t, inst)

	writeJSONFrame(t, conn, []any{"REQ", "sub1", map[string]any{"kinds": []int{1}}})

	authFrame := readFrame(t, conn)
	assert.Equal(t, "AUTH", frameLabel(t, authFrame))

	closed := readFrame(t, conn)
	assert.Equal(t, "CLOSED", frameLabel(t, closed))

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	authEvent := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      22242,
		Tags: nostr.Tags{
			{"relay", inst.RelayURL},
			{"challenge", "not-the-right-challenge"},
		},
	}
	require.NoError(t, authEvent.Sign(sk))
	writeJSONFrame(t, conn, []any{"AUTH", authEvent})

	rejected := readFrame(t, conn)
	assert.Equal(t, "OK", frameLabel(t, rejected))
	var accepted bool
	require.NoError(t, json.Unmarshal(rejected[2], &accepted))
	assert.False(t, accepted)
}

func TestSession_OversizedFrameClosesConnection(t *testing.T) {
	inst := newTestInstance(t, nil)
	inst.MaxFrameSize = 10
	conn := dial(t, inst)

	writeFrame(t, conn, `["REQ","sub1",{"kinds":[1]}]`)

	frame := readFrame(t, conn)
	assert.Equal(t, "NOTICE", frameLabel(t, frame))

	_, _, err := wsutil.ReadServerData(conn)
	assert.Error(t, err) // the session closes (1009) right after the NOTICE
}
