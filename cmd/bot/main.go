package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/dashboard"
	"github.com/eddiefleurent/wheelhouse/internal/mock"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// Paper account seed values. The paper broker starts from a plausible
// mid-wheel account so the rebalancer has something to chew on.
const (
	paperPrice  = 12.40
	paperCash   = 25000
	paperShares = 400
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg)
	logger.Printf("Starting wheel bot for %s in %s mode", cfg.Strategy.Underlying, cfg.Environment.Mode)
	if cfg.IsPaper() {
		logger.Printf("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Printf("LIVE TRADING MODE - real money at risk!")
		logger.Printf("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	base := newBrokerClient(cfg)
	var breaker *broker.CircuitBreakerBroker
	var client broker.Broker = base
	if cfg.Broker.UseCircuitBreaker {
		breaker = broker.NewCircuitBreakerBroker(base)
		client = breaker
	}

	store, err := storage.NewJSONStore(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open state store: %v", err)
	}

	bot, err := NewBot(cfg, client, breaker, store, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Printf("Shutdown signal received, stopping bot...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(cfg.Dashboard.Listen, store, bot.Status, newDashboardLogger(cfg))
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Printf("Bot stopped")
}

func newBrokerClient(cfg *config.Config) broker.Broker {
	if cfg.IsPaper() {
		return mock.NewBroker(cfg.Strategy.Underlying, paperPrice, paperCash, paperShares)
	}
	return broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox)
}

func newLogger(cfg *config.Config) *log.Logger {
	out := io.Writer(os.Stdout)
	if cfg.Environment.LogFile != "" {
		f, err := os.OpenFile(cfg.Environment.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("Warning: cannot open log file %s: %v, logging to stdout", cfg.Environment.LogFile, err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	return log.New(out, "[WHEEL] ", log.LstdFlags|log.Lshortfile)
}

func newDashboardLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Environment.Mode == "live" {
		l.SetLevel(logrus.InfoLevel)
	} else {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}
