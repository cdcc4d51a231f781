package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/mymmrac/telego"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blokista/walletgate/pkg/channels"
	"github.com/blokista/walletgate/pkg/gateway"
	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/metrics"
	"github.com/blokista/walletgate/pkg/notify"
	"github.com/blokista/walletgate/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: relay connection, approval queue and local API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Relay.ProjectID == "" {
		logger.WarnC("serve", "relay.project_id is empty; the public relay will refuse the connection")
	}

	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	identity, err := relay.NewIdentity()
	if err != nil {
		return err
	}
	rc := relay.New(relay.Options{
		URL:       cfg.Relay.URL,
		ProjectID: cfg.Relay.ProjectID,
		Identity:  identity,
		Rate:      cfg.Relay.Rate,
		Burst:     cfg.Relay.Burst,
		Metrics:   m,
	})

	notifier := notify.Multi{notify.Log{}}
	var bot *telego.Bot
	if tc := cfg.Notify.Telegram; tc.Enabled {
		bot, err = telego.NewBot(tc.Token)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		t, err := notify.NewTelegramWithSender(bot, tc.ChatIDs)
		if err != nil {
			return err
		}
		notifier = append(notifier, t)
	}

	gw, err := gateway.New(ctx, gateway.Options{
		Config:    cfg,
		KV:        kv,
		Transport: rc,
		Inbound:   rc.Messages(),
		Notifier:  notifier,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	var commands *channels.TelegramCommands
	if bot != nil {
		commands, err = channels.NewTelegramCommands(bot, gw, cfg.Notify.Telegram.ChatIDs)
		if err != nil {
			return err
		}
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("store", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return kv.Ping(ctx)
	}, 2*time.Second))
	health.AddReadinessCheck("relay", func() error {
		if !rc.Connected() {
			return relay.ErrNotConnected
		}
		return nil
	})

	srv := setupGatewayHTTP(cfg, newGatewayMux(gw, reg, health))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rc.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx) })
	if commands != nil {
		g.Go(func() error { return commands.Run(ctx) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.InfoCF("serve", "walletgate started", map[string]any{
		"version": version,
		"addr":    srv.Addr,
		"relay":   cfg.Relay.URL,
	})

	err = g.Wait()
	logger.InfoC("serve", "walletgate stopped")
	return err
}
