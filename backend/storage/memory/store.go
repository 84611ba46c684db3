package memory

import (
	"errors"
	"sync"

	"github.com/avolkov/paircast/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

// Registry is the in-memory room store. It owns room lifetime; callers
// hold *model.Room pointers only inside the relay's per-message critical
// section, never across it.
type Registry struct {
	mx *sync.Mutex
	db map[string]*model.Room
}

func NewRegistry() *Registry {
	return &Registry{
		mx: &sync.Mutex{},
		db: make(map[string]*model.Room),
	}
}

// Ensure returns the room for code, inserting an empty one if absent.
// Existing room fields are never overwritten here.
func (rg *Registry) Ensure(code string) *model.Room {
	rg.mx.Lock()
	defer rg.mx.Unlock()

	room, ok := rg.db[code]
	if !ok {
		room = &model.Room{Code: code}
		rg.db[code] = room
	}
	return room
}

func (rg *Registry) Get(code string) (*model.Room, error) {
	rg.mx.Lock()
	defer rg.mx.Unlock()

	room, ok := rg.db[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Remove deletes the room entry. No-op when absent.
func (rg *Registry) Remove(code string) {
	rg.mx.Lock()
	defer rg.mx.Unlock()
	delete(rg.db, code)
}

func (rg *Registry) Len() int {
	rg.mx.Lock()
	defer rg.mx.Unlock()
	return len(rg.db)
}
