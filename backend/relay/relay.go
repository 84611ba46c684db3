package relay

import (
	"context"
	"sync"
	"time"

	"github.com/avolkov/paircast/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second

	reasonRoomNotFound = "room not found"
	reasonOwnRoom      = "cannot join own room"
	reasonOwnerLeft    = "owner left"
	reasonViewerLeft   = "viewer left"
)

type (
	// Registry is the room store the relay mutates. All read-modify-write
	// sequences on a room happen under the relay mutex.
	Registry interface {
		Ensure(code string) *model.Room
		Get(code string) (*model.Room, error)
		Remove(code string)
		Len() int
	}

	binding struct {
		role model.Role
		code string
	}

	// Relay routes signaling messages between the two fixed-role sides of
	// a room and tears the room down when either side disconnects.
	// Role and room bindings are kept here, keyed by connection ID; the
	// transport layer carries no protocol state.
	Relay struct {
		logger   zerolog.Logger
		mx       *sync.RWMutex
		rooms    Registry
		wires    map[string]model.Wire
		bindings map[string]binding
	}
)

func New(rooms Registry, logger *zerolog.Logger) *Relay {
	return &Relay{
		logger:   logger.With().Str("component", "relay").Logger(),
		mx:       &sync.RWMutex{},
		rooms:    rooms,
		wires:    make(map[string]model.Wire),
		bindings: make(map[string]binding),
	}
}

func (rl *Relay) RoomCount() int {
	return rl.rooms.Len()
}

// Connect registers the connection's wire and starts consuming its inbound
// messages. Messages from one connection are handled strictly in order.
func (rl *Relay) Connect(ctx context.Context, connID string, wire model.Wire) error {
	rl.mx.Lock()
	rl.wires[connID] = wire
	rl.mx.Unlock()

	rl.logger.Debug().Str("connID", connID).Msg("connection registered")

	go rl.consume(ctx, connID, wire.RX)
	return nil
}

func (rl *Relay) consume(ctx context.Context, connID string, rx <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-rx:
			rl.handle(ctx, connID, msg)
		}
	}
}

func (rl *Relay) handle(ctx context.Context, connID string, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			rl.logger.Error().
				Str("connID", connID).
				Str("kind", string(msg.Kind)).
				Any("panic", r).
				Msg("recovered panic in message handler")
		}
	}()

	switch msg.Kind {
	case model.KindCreate:
		rl.handleCreate(ctx, connID, msg)
	case model.KindJoin:
		rl.handleJoin(ctx, connID, msg)
	case model.KindOffer:
		rl.handleOffer(ctx, connID, msg)
	case model.KindAnswer:
		rl.handleAnswer(ctx, connID, msg)
	case model.KindCandidate, model.KindControl:
		rl.handleCounterpart(ctx, connID, msg)
	default:
		rl.logger.Debug().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("ignoring unknown message kind")
	}
}

// handleCreate binds the sender as room owner. Repeated create for the same
// code rebinds the owner and leaves an already-attached viewer alone.
func (rl *Relay) handleCreate(ctx context.Context, connID string, msg model.Message) {
	rl.mx.Lock()
	room := rl.rooms.Ensure(msg.Code)
	room.Owner = connID
	if room.Viewer == connID {
		// owner and viewer must never be the same connection
		room.Viewer = ""
	}
	rl.bindings[connID] = binding{role: model.RoleOwner, code: msg.Code}
	rl.mx.Unlock()

	rl.logger.Debug().
		Str("connID", connID).
		Str("code", msg.Code).
		Msg("room created")

	rl.send(ctx, connID, model.Created(msg.Code))
}

// handleJoin binds the sender as viewer. The room must exist and its owner
// must still be connected; otherwise the joiner gets an error reply and no
// state changes. A buffered offer is delivered to the joiner and cleared.
func (rl *Relay) handleJoin(ctx context.Context, connID string, msg model.Message) {
	rl.mx.Lock()
	room, err := rl.rooms.Get(msg.Code)
	if err != nil || room.Owner == "" || !rl.attached(room.Owner) {
		rl.mx.Unlock()
		rl.send(ctx, connID, model.ErrorReply(reasonRoomNotFound))
		return
	}
	if room.Owner == connID {
		rl.mx.Unlock()
		rl.send(ctx, connID, model.ErrorReply(reasonOwnRoom))
		return
	}
	room.Viewer = connID
	rl.bindings[connID] = binding{role: model.RoleViewer, code: msg.Code}
	owner := room.Owner
	pending := room.PendingOffer
	room.PendingOffer = nil
	rl.mx.Unlock()

	rl.logger.Debug().
		Str("connID", connID).
		Str("code", msg.Code).
		Msg("viewer joined")

	rl.send(ctx, owner, model.PeerJoined(msg.Code))
	if pending != nil {
		rl.logger.Debug().Str("code", msg.Code).Msg("delivering buffered offer to viewer")
		rl.send(ctx, connID, model.Offer(pending))
	}
}

// handleOffer forwards the offer to a connected viewer, or buffers it when
// no viewer is attached yet. An ownerless room adopts the sender as owner;
// an offer from anyone but the owner is dropped.
func (rl *Relay) handleOffer(ctx context.Context, connID string, msg model.Message) {
	rl.mx.Lock()
	room := rl.rooms.Ensure(msg.Code)
	if room.Owner == "" {
		room.Owner = connID
		rl.bindings[connID] = binding{role: model.RoleOwner, code: msg.Code}
	}
	if room.Owner != connID {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("connID", connID).
			Str("code", msg.Code).
			Msg("offer from non-owner dropped")
		return
	}
	if room.Viewer != "" && rl.attached(room.Viewer) {
		viewer := room.Viewer
		room.PendingOffer = nil
		rl.mx.Unlock()
		rl.send(ctx, viewer, model.Offer(msg.SDP))
		return
	}
	room.PendingOffer = msg.SDP
	rl.mx.Unlock()

	rl.logger.Debug().
		Str("code", msg.Code).
		Msg("viewer not connected yet, offer buffered")
}

func (rl *Relay) handleAnswer(ctx context.Context, connID string, msg model.Message) {
	rl.mx.Lock()
	room, err := rl.rooms.Get(msg.Code)
	if err != nil || room.Owner == "" || !rl.attached(room.Owner) {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("connID", connID).
			Str("code", msg.Code).
			Msg("answer without reachable owner dropped")
		return
	}
	owner := room.Owner
	rl.mx.Unlock()

	rl.send(ctx, owner, model.Answer(msg.SDP))
}

// handleCounterpart relays ice-candidate and control messages to the single
// opposite-role participant. The sender must be bound in the room; there is
// no broadcast and no echo back to the sender.
func (rl *Relay) handleCounterpart(ctx context.Context, connID string, msg model.Message) {
	rl.mx.Lock()
	bnd, ok := rl.bindings[connID]
	if !ok || bnd.code != msg.Code {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("connID", connID).
			Str("code", msg.Code).
			Str("kind", string(msg.Kind)).
			Msg("relay from unbound sender dropped")
		return
	}
	room, err := rl.rooms.Get(msg.Code)
	if err != nil {
		rl.mx.Unlock()
		return
	}
	var target string
	switch bnd.role {
	case model.RoleOwner:
		target = room.Viewer
	case model.RoleViewer:
		target = room.Owner
	}
	if target == "" || !rl.attached(target) {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("code", msg.Code).
			Str("kind", string(msg.Kind)).
			Msg("no counterpart, message dropped")
		return
	}
	rl.mx.Unlock()

	switch msg.Kind {
	case model.KindCandidate:
		rl.send(ctx, target, model.Candidate(msg.Candidate))
	case model.KindControl:
		rl.send(ctx, target, model.Control(msg.Event))
	}
}

// Disconnect is called by the transport when a connection goes away.
// Either fixed-role side leaving ends the session for both: the survivor
// gets one error notification and the room is removed.
func (rl *Relay) Disconnect(ctx context.Context, connID string) error {
	rl.mx.Lock()
	delete(rl.wires, connID)
	bnd, ok := rl.bindings[connID]
	if !ok {
		rl.mx.Unlock()
		return nil
	}
	delete(rl.bindings, connID)

	room, err := rl.rooms.Get(bnd.code)
	if err != nil {
		// already cleaned up by the counterpart's teardown
		rl.mx.Unlock()
		return nil
	}

	var notify, reason string
	switch connID {
	case room.Owner:
		if room.Viewer != "" && rl.attached(room.Viewer) {
			notify, reason = room.Viewer, reasonOwnerLeft
		}
		rl.rooms.Remove(bnd.code)
	case room.Viewer:
		if room.Owner != "" && rl.attached(room.Owner) {
			notify, reason = room.Owner, reasonViewerLeft
		}
		rl.rooms.Remove(bnd.code)
	}
	rl.mx.Unlock()

	rl.logger.Debug().
		Str("connID", connID).
		Str("code", bnd.code).
		Msg("connection disconnected, room torn down")

	if notify != "" {
		rl.send(ctx, notify, model.ErrorReply(reason))
	}
	return nil
}

// attached reports whether a wire is registered for connID.
// Callers must hold the relay mutex.
func (rl *Relay) attached(connID string) bool {
	_, ok := rl.wires[connID]
	return ok
}

// send delivers msg to the connection's wire with a timeout. Delivery is
// best effort: a missing or dead endpoint loses the message and the caller
// is not told.
func (rl *Relay) send(ctx context.Context, connID string, msg model.Message) bool {
	rl.mx.RLock()
	wire, ok := rl.wires[connID]
	rl.mx.RUnlock()

	if !ok {
		rl.logger.Debug().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("cannot send, connection not registered")
		return false
	}

	tCh := time.NewTimer(defaultFwdTimeout)
	defer tCh.Stop()
	select {
	case <-ctx.Done():
	case <-tCh.C:
		rl.logger.Error().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("dead endpoint")
	case wire.TX <- msg:
		rl.logger.Trace().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("message forwarded")
		return true
	}
	return false
}
