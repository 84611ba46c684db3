package relay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/paircast/backend/model"
	"github.com/avolkov/paircast/backend/relay"
	"github.com/avolkov/paircast/backend/storage/memory"
)

const (
	recvTimeout = 2 * time.Second

	// long enough for an in-process handler to run, short enough
	// to keep negative assertions cheap
	quietWindow = 100 * time.Millisecond
)

type testPeer struct {
	id   string
	wire model.Wire
}

func (p *testPeer) send(t *testing.T, msg model.Message) {
	t.Helper()
	select {
	case p.wire.RX <- msg:
	case <-time.After(recvTimeout):
		t.Fatalf("%s: timed out sending %s", p.id, msg.Kind)
	}
}

func (p *testPeer) recv(t *testing.T) model.Message {
	t.Helper()
	select {
	case msg := <-p.wire.TX:
		return msg
	case <-time.After(recvTimeout):
		t.Fatalf("%s: timed out waiting for a message", p.id)
		return model.Message{}
	}
}

func (p *testPeer) recvNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-p.wire.TX:
		t.Fatalf("%s: unexpected message %s", p.id, msg.Kind)
	case <-time.After(quietWindow):
	}
}

func newRelay(t *testing.T) (*relay.Relay, *memory.Registry, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := zerolog.Nop()
	rooms := memory.NewRegistry()
	return relay.New(rooms, &logger), rooms, ctx
}

// newTestWire buffers TX so tests can read replies in any order
// without stalling the relay's sequential sends.
func newTestWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Message),
		TX: make(chan model.Message, 8),
	}
}

func connectPeer(t *testing.T, rl *relay.Relay, ctx context.Context, id string) *testPeer {
	t.Helper()
	p := &testPeer{id: id, wire: newTestWire()}
	require.NoError(t, rl.Connect(ctx, id, p.wire))
	return p
}

func rawSDP(s string) json.RawMessage {
	return json.RawMessage(`"` + s + `"`)
}

func TestCreateThenJoin(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "ab12"})
	created := owner.recv(t)
	assert.Equal(t, model.KindCreated, created.Kind)
	assert.Equal(t, "ab12", created.Code)

	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "ab12"})
	joined := owner.recv(t)
	assert.Equal(t, model.KindPeerJoined, joined.Kind)
	assert.Equal(t, "ab12", joined.Code)

	// exactly one peer-joined, nothing to the viewer without an offer
	owner.recvNone(t)
	viewer.recvNone(t)
}

func TestOfferBufferedUntilJoin(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)

	owner.send(t, model.Message{Kind: model.KindOffer, Code: "room1", SDP: rawSDP("sdp-1")})
	owner.recvNone(t) // no forward, no reply

	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	assert.Equal(t, model.KindPeerJoined, owner.recv(t).Kind)

	offer := viewer.recv(t)
	assert.Equal(t, model.KindOffer, offer.Kind)
	assert.JSONEq(t, `"sdp-1"`, string(offer.SDP))

	// buffer is cleared: a second joiner gets nothing
	second := connectPeer(t, rl, ctx, "viewer2")
	second.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	assert.Equal(t, model.KindPeerJoined, owner.recv(t).Kind)
	second.recvNone(t)
}

func TestOfferSupersedesBufferedOffer(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)

	owner.send(t, model.Message{Kind: model.KindOffer, Code: "room1", SDP: rawSDP("stale")})
	owner.send(t, model.Message{Kind: model.KindOffer, Code: "room1", SDP: rawSDP("fresh")})
	owner.recvNone(t)

	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	offer := viewer.recv(t)
	assert.JSONEq(t, `"fresh"`, string(offer.SDP))
	viewer.recvNone(t)
}

func TestOfferForwardedToLiveViewer(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	owner.send(t, model.Message{Kind: model.KindOffer, Code: "room1", SDP: rawSDP("direct")})
	offer := viewer.recv(t)
	assert.Equal(t, model.KindOffer, offer.Kind)
	assert.JSONEq(t, `"direct"`, string(offer.SDP))
}

func TestOfferFromNonOwnerDropped(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	viewer.send(t, model.Message{Kind: model.KindOffer, Code: "room1", SDP: rawSDP("rogue")})
	owner.recvNone(t)
	viewer.recvNone(t)
}

func TestAnswerForwardedToOwner(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	viewer.send(t, model.Message{Kind: model.KindAnswer, Code: "room1", SDP: rawSDP("answer-sdp")})
	answer := owner.recv(t)
	assert.Equal(t, model.KindAnswer, answer.Kind)
	assert.JSONEq(t, `"answer-sdp"`, string(answer.SDP))
}

func TestCandidateReachesOnlyCounterpart(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	owner.send(t, model.Message{Kind: model.KindCandidate, Code: "room1", Candidate: rawSDP("from-owner")})
	got := viewer.recv(t)
	assert.Equal(t, model.KindCandidate, got.Kind)
	assert.JSONEq(t, `"from-owner"`, string(got.Candidate))
	owner.recvNone(t)

	viewer.send(t, model.Message{Kind: model.KindCandidate, Code: "room1", Candidate: rawSDP("from-viewer")})
	got = owner.recv(t)
	assert.Equal(t, model.KindCandidate, got.Kind)
	assert.JSONEq(t, `"from-viewer"`, string(got.Candidate))
	viewer.recvNone(t)
}

func TestCandidateWithoutCounterpartDropped(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)

	owner.send(t, model.Message{Kind: model.KindCandidate, Code: "room1", Candidate: rawSDP("lonely")})
	owner.recvNone(t)
}

func TestCandidateFromUnboundSenderDropped(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	stranger := connectPeer(t, rl, ctx, "stranger")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)

	stranger.send(t, model.Message{Kind: model.KindCandidate, Code: "room1", Candidate: rawSDP("spoof")})
	owner.recvNone(t)
	stranger.recvNone(t)
}

func TestControlEventRelayedToCounterpart(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	viewer.send(t, model.Message{
		Kind:  model.KindControl,
		Code:  "room1",
		Event: json.RawMessage(`{"type":"mousemove","x":10,"y":20}`),
	})
	got := owner.recv(t)
	assert.Equal(t, model.KindControl, got.Kind)
	assert.JSONEq(t, `{"type":"mousemove","x":10,"y":20}`, string(got.Event))
}

func TestJoinWithoutCreateFails(t *testing.T) {
	rl, rooms, ctx := newRelay(t)
	viewer := connectPeer(t, rl, ctx, "viewer")

	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "nope"})
	reply := viewer.recv(t)
	assert.Equal(t, model.KindError, reply.Kind)
	assert.NotEmpty(t, reply.Reason)

	// the failed join must not leave a usable room behind
	owner := connectPeer(t, rl, ctx, "owner")
	owner.send(t, model.Message{Kind: model.KindCreate, Code: "nope"})
	created := owner.recv(t)
	assert.Equal(t, model.KindCreated, created.Kind)

	room, err := rooms.Get("nope")
	require.NoError(t, err)
	assert.Equal(t, "owner", room.Owner)
	assert.Empty(t, room.Viewer)
}

func TestOwnerDisconnectTearsDownRoom(t *testing.T) {
	rl, rooms, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	require.NoError(t, rl.Disconnect(ctx, "owner"))
	notice := viewer.recv(t)
	assert.Equal(t, model.KindError, notice.Kind)
	assert.Equal(t, "owner left", notice.Reason)
	viewer.recvNone(t)

	_, err := rooms.Get("room1")
	assert.Error(t, err)

	// the room is gone until somebody creates it again
	late := connectPeer(t, rl, ctx, "late")
	late.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	reply := late.recv(t)
	assert.Equal(t, model.KindError, reply.Kind)
	assert.Equal(t, "room not found", reply.Reason)
}

func TestViewerDisconnectTearsDownRoom(t *testing.T) {
	rl, rooms, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	require.NoError(t, rl.Disconnect(ctx, "viewer"))
	notice := owner.recv(t)
	assert.Equal(t, model.KindError, notice.Kind)
	assert.Equal(t, "viewer left", notice.Reason)

	_, err := rooms.Get("room1")
	assert.Error(t, err)
}

func TestDisconnectWithoutRoomIsNoop(t *testing.T) {
	rl, _, ctx := newRelay(t)
	connectPeer(t, rl, ctx, "idle")
	require.NoError(t, rl.Disconnect(ctx, "idle"))
	require.NoError(t, rl.Disconnect(ctx, "never-connected"))
}

func TestCreateIsIdempotent(t *testing.T) {
	rl, rooms, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")
	viewer := connectPeer(t, rl, ctx, "viewer")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	assert.Equal(t, model.KindCreated, owner.recv(t).Kind)
	viewer.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	owner.recv(t)

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	assert.Equal(t, model.KindCreated, owner.recv(t).Kind)
	owner.recvNone(t)

	room, err := rooms.Get("room1")
	require.NoError(t, err)
	assert.Equal(t, "owner", room.Owner)
	assert.Equal(t, "viewer", room.Viewer)
	assert.Equal(t, 1, rl.RoomCount())
}

func TestJoinOwnRoomRejected(t *testing.T) {
	rl, _, ctx := newRelay(t)
	owner := connectPeer(t, rl, ctx, "owner")

	owner.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	owner.recv(t)

	owner.send(t, model.Message{Kind: model.KindJoin, Code: "room1"})
	reply := owner.recv(t)
	assert.Equal(t, model.KindError, reply.Kind)
	assert.NotEmpty(t, reply.Reason)
}

func TestUnknownKindIgnored(t *testing.T) {
	rl, _, ctx := newRelay(t)
	peer := connectPeer(t, rl, ctx, "peer")

	peer.send(t, model.Message{Kind: "frobnicate", Code: "room1"})
	peer.recvNone(t)

	// connection still works afterwards
	peer.send(t, model.Message{Kind: model.KindCreate, Code: "room1"})
	assert.Equal(t, model.KindCreated, peer.recv(t).Kind)
}
