package service

import (
	"context"
	"errors"

	"github.com/avolkov/paircast/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	// SessionRelay is the room policy in force for this deployment,
	// either the paired owner/viewer relay or the broadcast relay.
	SessionRelay interface {
		Connect(ctx context.Context, connID string, wire model.Wire) error
		Disconnect(ctx context.Context, connID string) error
		RoomCount() int
	}

	Service struct {
		relay  SessionRelay
		logger zerolog.Logger
	}

	Config struct {
		Relay  SessionRelay
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		relay:  cfg.Relay,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
}

func (svc *Service) CreateSignalingSession(ctx context.Context, connID string, wire model.Wire) error {
	if err := svc.relay.Connect(ctx, connID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("connID", connID).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(ctx context.Context, connID string) error {
	if err := svc.relay.Disconnect(ctx, connID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("connID", connID).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) Stats() model.Stats {
	return model.Stats{Rooms: svc.relay.RoomCount()}
}
