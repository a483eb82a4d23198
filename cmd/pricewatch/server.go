package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pricewatch/internal/api"
	"github.com/kalambet/pricewatch/internal/config"
	"github.com/kalambet/pricewatch/internal/currency"
	"github.com/kalambet/pricewatch/internal/identity"
	"github.com/kalambet/pricewatch/internal/marketplace"
	"github.com/kalambet/pricewatch/internal/monitor"
	"github.com/kalambet/pricewatch/internal/notify"
	"github.com/kalambet/pricewatch/internal/outbox"
	"github.com/kalambet/pricewatch/internal/remote"
	"github.com/kalambet/pricewatch/internal/scheduler"
	"github.com/kalambet/pricewatch/internal/storage"
	"github.com/kalambet/pricewatch/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, outbox and HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single polling cycle and print its stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio while the scheduler runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// app holds the wired components shared by serve, run-once and mcp.
type app struct {
	store      *storage.Store
	identity   *identity.Provider // nil when identity.client_id is unset
	worker     *worker.Worker
	scheduler  *scheduler.Scheduler
	dispatcher *notify.Dispatcher
	outbox     *outbox.Worker
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func buildApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{store: store}

	opts := remote.Options{
		Policy: remote.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Base:         cfg.Retry.Base,
		},
		RequestsPerSecond: cfg.Marketplace.RequestsPerSecond,
		Burst:             cfg.Marketplace.Burst,
		Persist: func(ctx context.Context, _ string, cred storage.Credential) error {
			return store.SaveCredential(ctx, cred)
		},
	}
	if cfg.Identity.ClientID != "" && cfg.Identity.TokenURL != "" {
		a.identity = identity.New(identity.Config{
			ClientID:     cfg.Identity.ClientID,
			ClientSecret: cfg.Identity.ClientSecret,
			AuthURL:      cfg.Identity.AuthURL,
			TokenURL:     cfg.Identity.TokenURL,
			RedirectURL:  cfg.Identity.RedirectURL,
			Scopes:       cfg.Identity.ScopeList(),
		}, nil)
		opts.Refresher = a.identity
	} else {
		slog.Warn("identity provider not configured; expired credentials cannot be refreshed")
	}
	client := remote.NewClient(opts)

	market := marketplace.NewClient(cfg.Marketplace.BaseURL, &http.Client{Timeout: cfg.Marketplace.Timeout})

	var rates currency.RateProvider
	if cfg.Currency.RatesURL != "" {
		rates = currency.NewHTTPRateProvider(cfg.Currency.RatesURL, nil)
	}
	normalizer := currency.NewNormalizerWithClock(rates, wallClock{}, cfg.Currency.CacheTTL)

	a.dispatcher = notify.NewDispatcher(store, buildChannels(cfg.Notify))
	a.outbox = outbox.NewWorker(store, a.dispatcher, cfg.Notify.OutboxPoll)

	mon := monitor.New(store, market, normalizer, a.dispatcher, monitor.Config{
		BatchSize:    cfg.Monitor.BatchSize,
		BatchDelay:   cfg.Monitor.BatchDelay,
		BaseCurrency: cfg.Currency.Base,
	})

	a.worker = worker.New(store, market, client, mon, worker.Config{
		MaxQueriesPerRun: cfg.Worker.MaxQueriesPerRun,
		Concurrency:      cfg.Worker.Concurrency,
		GroupDelay:       cfg.Worker.GroupDelay,
		PageSize:         cfg.Worker.PageSize,
		MaxPages:         cfg.Worker.MaxPages,
		CycleTimeout:     cfg.Worker.CycleTimeout,
		SampleRetention:  cfg.Worker.SampleRetention,
	})
	a.scheduler = scheduler.New(a.worker, store, cfg.Scheduler.Interval)
	return a, nil
}

// buildChannels registers a channel per known type. Types without delivery
// settings fall back to logging.
func buildChannels(cfg config.NotifyConfig) map[string]notify.Channel {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	channels := map[string]notify.Channel{
		"webhook": notify.NewWebhookChannel(httpClient),
		"push":    notify.NewLogChannel("push"),
		"sms":     notify.NewLogChannel("sms"),
	}
	if cfg.SMTPHost != "" {
		channels["email"] = notify.NewEmailChannel(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		channels["email"] = notify.NewLogChannel("email")
	}
	if cfg.TelegramToken != "" {
		channels["telegram"] = notify.NewTelegramChannel(cfg.TelegramToken, httpClient)
	} else {
		channels["telegram"] = notify.NewLogChannel("telegram")
	}
	return channels
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func (a *app) codeExchanger() api.CodeExchanger {
	if a.identity == nil {
		return nil
	}
	return a.identity
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("starting pricewatch", "version", version, "data_dir", cfg.Storage.DataDir)
	if cfg.Server.APIToken == "" {
		printWarning("server.api_token is not set; every API request will be rejected")
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(api.Deps{
		Store:     a.store,
		Scheduler: a.scheduler,
		Identity:  a.codeExchanger(),
		Token:     cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("pricewatch listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runOnce() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, cycleErr := a.worker.RunCycle(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return err
	}
	if cycleErr != nil {
		return fmt.Errorf("cycle failed: %w", cycleErr)
	}
	printSuccess("Cycle finished: %d/%d queries completed, %d new items", stats.Completed, stats.Total, stats.NewItemsFound)
	return nil
}

func runMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "error", err)
		}
	}()
	go a.outbox.Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     a.store,
		Scheduler: a.scheduler,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
