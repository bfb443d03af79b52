package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/api"
	"github.io/infrasutra/btmap/internal/config"
	"github.io/infrasutra/btmap/internal/events"
	"github.io/infrasutra/btmap/internal/mas"
	"github.io/infrasutra/btmap/internal/outbox"
	"github.io/infrasutra/btmap/internal/power"
	"github.io/infrasutra/btmap/internal/service"
	"github.io/infrasutra/btmap/internal/smtpserver"
	"github.io/infrasutra/btmap/internal/store"
	"github.io/infrasutra/btmap/internal/transport"
	"github.io/infrasutra/btmap/internal/transport/bluez"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the message access server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg))
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	changes := events.NewHub[events.Change](64)

	db, err := store.Open(ctx, cfg.DBPath, store.WithChanges(changes))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	registry := accounts.NewRegistry(cfg.AccountsFile, logger)
	if _, err := registry.Reload(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	tr, closeTransport, err := openTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	lock, closeLock := openLock(cfg, logger)
	defer closeLock()

	var relay mas.Relay
	if cfg.RelayAddr != "" {
		relay = outbox.New(cfg.RelayAddr, outbox.AuthConfig{
			Enabled:  cfg.RelayAuthEnabled,
			Username: cfg.RelayUsername,
			Password: cfg.RelayPassword,
		}, logger)
		logger.Info("outgoing e-mail relay configured", "addr", cfg.RelayAddr)
	} else {
		logger.Warn("SMTP_RELAY_ADDR not set; pushed e-mail stays in the outbox")
	}

	access := api.NewAccessBroker(cfg.AuthTimeout, logger)
	orch := service.New(service.Config{
		Transport:     tr,
		Messages:      db,
		Permissions:   db,
		Changes:       changes,
		Accounts:      registry,
		Relay:         relay,
		Requester:     access,
		AutoAccept:    cfg.AutoAcceptPeers,
		SMSCapable:    cfg.SMSCapable,
		CDMA:          cfg.CDMA,
		BaseChannel:   cfg.RFCOMMBaseChannel,
		ListLimit:     cfg.ListLimit,
		AuthTimeout:   cfg.AuthTimeout,
		WakeLockDelay: cfg.WakeLockDelay,
		Lock:          lock,
		Logger:        logger,
	})
	registry.OnChange(orch.UpdateInstances)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:    httpAddr,
		Handler: api.NewServer(cfg, orch, db, registry, access, changes, logger),
	}

	smtpAuthCfg := smtpserver.AuthConfig{
		Enabled:  cfg.SMTPAuthEnabled,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
	if !smtpAuthCfg.Enabled {
		logger.Warn("smtp auth disabled; server accepts unauthenticated connections")
	}
	smtpAddr := fmt.Sprintf(":%d", cfg.SMTPPort)
	smtpSrv := smtpserver.New(db, registry, logger, smtpAddr, smtpAuthCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return registry.Watch(gctx, cfg.AccountsPollEvery)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := smtpSrv.ListenAndServe(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http", "error", err)
		}
		if err := smtpSrv.Close(); err != nil {
			logger.Error("shutdown smtp", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func openTransport(cfg config.Config, logger *slog.Logger) (transport.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportTCP:
		logger.Info("using tcp transport", "host", cfg.TCPHost, "base_port", cfg.TCPBasePort)
		return &transport.TCP{
			Host:     cfg.TCPHost,
			BasePort: cfg.TCPBasePort,
			MNSAddr:  cfg.MNSAddr,
			Logger:   logger,
		}, func() {}, nil
	case config.TransportBluez:
		t, err := bluez.New(logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open bluez transport: %w", err)
		}
		return t, func() {
			if err := t.Close(); err != nil {
				logger.Warn("close bluez transport", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// openLock falls back to a no-op lock when logind is unreachable.
func openLock(cfg config.Config, logger *slog.Logger) (power.Lock, func()) {
	if !cfg.WakeLockEnabled {
		return power.Nop{}, func() {}
	}
	l, err := power.NewLogind(logger)
	if err != nil {
		logger.Warn("wake lock unavailable", "error", err)
		return power.Nop{}, func() {}
	}
	return l, func() { l.Close() }
}
