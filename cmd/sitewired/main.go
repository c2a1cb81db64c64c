package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sitewire/sitewire/broker"
	"github.com/sitewire/sitewire/config"
	"github.com/sitewire/sitewire/etok"
	"github.com/sitewire/sitewire/gateway"
	"github.com/sitewire/sitewire/service"
	"github.com/sitewire/sitewire/store"
	"github.com/sitewire/sitewire/unread"
)

func main() {
	var configPath string
	var debug bool
	flag.StringVar(&configPath, "config", "sitewire.yaml", "Path to the service configuration file")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := broker.New(broker.Config{
		Logger:     logger,
		BufferSize: cfg.Sessions.EventChannelSize,
	})
	defer b.Close()

	tokens := etok.New(etok.Config{
		Logger: logger,
		TTL:    cfg.TokenTTL,
	})
	defer tokens.Close()

	st, err := store.Open(store.Config{
		Logger:    logger,
		Directory: cfg.DataDir,
	})
	if err != nil {
		logger.Error("Failed to open entity store", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close entity store", "error", err)
		}
	}()

	gw := gateway.New(gateway.Config{
		Logger:          logger,
		Broker:          b,
		Tokens:          tokens,
		AppCtx:          ctx,
		Heartbeat:       cfg.Sessions.Heartbeat,
		MaxConnections:  cfg.Sessions.MaxConnections,
		ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
		WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
	})

	svc := service.New(ctx, logger, cfg, service.Dependencies{
		Broker:  b,
		Tokens:  tokens,
		Store:   st,
		Unread:  unread.New(logger, st),
		Gateway: gw,
	})

	svc.Run()
}
