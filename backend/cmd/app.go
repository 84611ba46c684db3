package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/avolkov/paircast/backend/relay"
	httpServer "github.com/avolkov/paircast/backend/server/http"
	websocketServer "github.com/avolkov/paircast/backend/server/websocket"
	"github.com/avolkov/paircast/backend/service"
	store "github.com/avolkov/paircast/backend/storage/memory"
)

type appConfig struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      string
	RoomMode      string
	StaticDir     string
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	cfg := appConfig{}
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", ":8080", "api and static files listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", ":8888", "websocket signaling listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", "debug", "log level")
	fs.StringVarP(&cfg.RoomMode, "room-mode", "m", "paired", "room membership policy: paired or broadcast")
	fs.StringVarP(&cfg.StaticDir, "static-dir", "s", "./public", "directory with static client files")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)
	logger.Trace().Msg(spew.Sdump(cfg))

	var sessions service.SessionRelay
	switch cfg.RoomMode {
	case "paired":
		sessions = relay.New(store.NewRegistry(), &logger)
	case "broadcast":
		sessions = relay.NewBroadcast(&logger)
	default:
		logger.Fatal().Str("room-mode", cfg.RoomMode).Msg("unknown room mode")
	}

	svc := service.NewService(service.Config{
		Relay:  sessions,
		Logger: &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		StatsService: svc,
		ListenAddr:   cfg.APIListenAddr,
		StaticDir:    cfg.StaticDir,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
