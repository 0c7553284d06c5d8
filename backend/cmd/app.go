package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/webrtc/apprtc/backend/analytics"
	"github.com/webrtc/apprtc/backend/config"
	"github.com/webrtc/apprtc/backend/notify"
	"github.com/webrtc/apprtc/backend/params"
	"github.com/webrtc/apprtc/backend/prober"
	"github.com/webrtc/apprtc/backend/registry"
	"github.com/webrtc/apprtc/backend/rooms"
	"github.com/webrtc/apprtc/backend/sealer"
	httpServer "github.com/webrtc/apprtc/backend/server/http"
	websocketServer "github.com/webrtc/apprtc/backend/server/websocket"
	"github.com/webrtc/apprtc/backend/service"
	"github.com/webrtc/apprtc/backend/storage/cache"
	sw "github.com/webrtc/apprtc/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address, overrides config")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "relay listen address, overrides config")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *apiListenAddr != "" {
		cfg.APIListenAddr = *apiListenAddr
	}
	if *wsListenAddr != "" {
		cfg.WSListenAddr = *wsListenAddr
	}

	codec, hasher, err := sealer.Load(cfg.EncryptionKey, cfg.HashSalt, cfg.Production)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load encryption material")
	}

	store := cache.NewMemory()
	repo := rooms.NewRepository(rooms.Config{
		Store:      store,
		Codec:      codec,
		Reporter:   analytics.NewLogReporter(&logger),
		Logger:     &logger,
		RetryLimit: cfg.CASRetryLimit,
		TTL:        cfg.RoomTTL,
	})
	reg := registry.New(registry.Config{
		Logger: &logger,
		Store:  store,
		Codec:  codec,
		Hasher: hasher,
	})
	resolver := params.NewResolver(params.Config{
		Logger:           &logger,
		Store:            store,
		Instances:        cfg.Colliders,
		IceServerBaseURL: cfg.IceServerURL,
		IceServerAPIKey:  cfg.IceServerAPIKey,
	})
	colliderProber := prober.New(prober.Config{
		Logger:    &logger,
		Store:     store,
		Instances: cfg.Colliders,
		Alerter:   prober.NewLogAlerter(&logger),
		Restarter: prober.NewLogRestarter(&logger),
		Scheme:    cfg.ProbeScheme,
		Interval:  cfg.ProbeInterval,
	})

	var notifier notify.Sender
	if cfg.DispatchURL != "" {
		notifier = notify.NewHTTPSender(notify.Config{
			Logger: &logger,
			URL:    cfg.DispatchURL,
		})
	}

	svc := service.NewService(service.Config{
		Rooms:  repo,
		Switch: sw.NewSwitch(&logger),
		Host:   cfg.CanonicalHost,
		Logger: &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: repo,
		Registry:    reg,
		Resolver:    resolver,
		Prober:      colliderProber,
		Notifier:    notifier,
		ListenAddr:  cfg.APIListenAddr,
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
		errc = make(chan error, 3)
	)
	wg.Add(3)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go colliderProber.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
