package relay

import (
	"context"
	"sync"
	"time"

	"github.com/avolkov/paircast/backend/model"
	"github.com/rs/zerolog"
)

// BroadcastRelay is the alternate room policy: rooms are unordered member
// sets with no roles, no pending-offer buffering and no pairwise teardown.
// Every relayed message fans out to all members except the sender; a
// disconnect removes only the leaver, and the room disappears when empty.
type BroadcastRelay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]map[string]model.Wire
	codes  map[string]string
	wires  map[string]model.Wire
}

func NewBroadcast(logger *zerolog.Logger) *BroadcastRelay {
	return &BroadcastRelay{
		logger: logger.With().Str("component", "broadcast-relay").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]map[string]model.Wire),
		codes:  make(map[string]string),
		wires:  make(map[string]model.Wire),
	}
}

func (br *BroadcastRelay) RoomCount() int {
	br.mx.RLock()
	defer br.mx.RUnlock()
	return len(br.rooms)
}

func (br *BroadcastRelay) Connect(ctx context.Context, connID string, wire model.Wire) error {
	br.mx.Lock()
	br.wires[connID] = wire
	br.mx.Unlock()

	br.logger.Debug().Str("connID", connID).Msg("connection registered")

	go br.consume(ctx, connID, wire.RX)
	return nil
}

func (br *BroadcastRelay) consume(ctx context.Context, connID string, rx <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-rx:
			br.handle(ctx, connID, msg)
		}
	}
}

func (br *BroadcastRelay) handle(ctx context.Context, connID string, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			br.logger.Error().
				Str("connID", connID).
				Str("kind", string(msg.Kind)).
				Any("panic", r).
				Msg("recovered panic in message handler")
		}
	}()

	switch msg.Kind {
	case model.KindCreate:
		br.enter(connID, msg.Code)
		br.send(ctx, connID, model.Created(msg.Code))
	case model.KindJoin:
		br.enter(connID, msg.Code)
		br.fanout(ctx, connID, model.PeerJoined(msg.Code))
	case model.KindOffer:
		br.fanout(ctx, connID, model.Offer(msg.SDP))
	case model.KindAnswer:
		br.fanout(ctx, connID, model.Answer(msg.SDP))
	case model.KindCandidate:
		br.fanout(ctx, connID, model.Candidate(msg.Candidate))
	case model.KindControl:
		br.fanout(ctx, connID, model.Control(msg.Event))
	default:
		br.logger.Debug().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("ignoring unknown message kind")
	}
}

// enter moves the connection into the room for code, leaving any previous
// room first. Rooms are created on demand.
func (br *BroadcastRelay) enter(connID, code string) {
	br.mx.Lock()
	if prev, ok := br.codes[connID]; ok && prev != code {
		br.leave(connID, prev)
	}
	members, ok := br.rooms[code]
	if !ok {
		members = make(map[string]model.Wire)
		br.rooms[code] = members
	}
	members[connID] = br.wires[connID]
	br.codes[connID] = code
	br.mx.Unlock()

	br.logger.Debug().
		Str("connID", connID).
		Str("code", code).
		Msg("member entered room")
}

// leave removes the connection from the room's member set and deletes the
// room when the set becomes empty. Callers must hold the mutex.
func (br *BroadcastRelay) leave(connID, code string) {
	members, ok := br.rooms[code]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(br.rooms, code)
		br.logger.Debug().Str("code", code).Msg("empty room removed")
	}
}

func (br *BroadcastRelay) Disconnect(_ context.Context, connID string) error {
	br.mx.Lock()
	delete(br.wires, connID)
	if code, ok := br.codes[connID]; ok {
		delete(br.codes, connID)
		br.leave(connID, code)
	}
	br.mx.Unlock()

	br.logger.Debug().Str("connID", connID).Msg("connection disconnected")
	return nil
}

// fanout sends msg to every member of the sender's room except the sender.
func (br *BroadcastRelay) fanout(ctx context.Context, connID string, msg model.Message) {
	br.mx.RLock()
	code, ok := br.codes[connID]
	if !ok {
		br.mx.RUnlock()
		br.logger.Debug().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("sender not in any room, message dropped")
		return
	}
	targets := make(map[string]model.Wire, len(br.rooms[code]))
	for id, wire := range br.rooms[code] {
		if id != connID {
			targets[id] = wire
		}
	}
	br.mx.RUnlock()

	if len(targets) == 0 {
		br.logger.Debug().
			Str("code", code).
			Str("kind", string(msg.Kind)).
			Msg("broadcast did not reach anyone")
		return
	}
	for id, wire := range targets {
		br.push(ctx, id, wire, msg)
	}
}

// send delivers msg to the connection's own wire. Delivery is best effort:
// a missing or dead endpoint loses the message.
func (br *BroadcastRelay) send(ctx context.Context, connID string, msg model.Message) {
	br.mx.RLock()
	wire, ok := br.wires[connID]
	br.mx.RUnlock()

	if !ok {
		br.logger.Debug().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("cannot send, connection not registered")
		return
	}
	br.push(ctx, connID, wire, msg)
}

func (br *BroadcastRelay) push(ctx context.Context, connID string, wire model.Wire, msg model.Message) {
	tCh := time.NewTimer(defaultFwdTimeout)
	defer tCh.Stop()
	select {
	case <-ctx.Done():
	case <-tCh.C:
		br.logger.Error().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("dead endpoint")
	case wire.TX <- msg:
		br.logger.Trace().
			Str("connID", connID).
			Str("kind", string(msg.Kind)).
			Msg("message forwarded")
	}
}
