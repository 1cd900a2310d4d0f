package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/api"
	"github.com/amirphl/guarded-trader/internal/broker"
	"github.com/amirphl/guarded-trader/internal/config"
	"github.com/amirphl/guarded-trader/internal/db"
	"github.com/amirphl/guarded-trader/internal/db/conf"
	"github.com/amirphl/guarded-trader/internal/notifier"
	"github.com/amirphl/guarded-trader/internal/orchestrator"
	"github.com/amirphl/guarded-trader/internal/reconcile"
	"github.com/amirphl/guarded-trader/internal/retry"
	sig "github.com/amirphl/guarded-trader/internal/signal"
	"github.com/amirphl/guarded-trader/internal/state"
	"github.com/amirphl/guarded-trader/internal/utils"
)

func main() {
	cfg := config.MustLoadConfig()

	logger := utils.GetLogger(utils.LogOptions{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	log := logger.WithField("mode", cfg.Mode)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("guarded-trader stopped")
	}
	log.Info("guarded-trader stopped")
}

func run(cfg config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	if cfg.DBDriver == conf.DriverSQLite {
		if err := ensureDir(cfg.DBConnStr); err != nil {
			return err
		}
	}
	dbConf, err := conf.NewConfig(cfg.DBDriver, cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return err
	}
	if err := dbConf.Migrate(ctx); err != nil {
		return err
	}
	store, err := db.New(*dbConf)
	if err != nil {
		return err
	}
	defer store.Close()
	log.WithField("driver", cfg.DBDriver).Info("database ready")

	b, err := newBroker(cfg, log)
	if err != nil {
		return err
	}

	router := notifier.NewRouter(buildTiers(cfg, log), notifier.RateLimits{
		notifier.Warning: cfg.Notify.WarningRate,
		notifier.Info:    cfg.Notify.InfoRate,
	}, store, log)

	policy := retry.New(cfg.Retry, log)
	recon := reconcile.New(store, b, policy, log)
	manager := state.New(store, recon, cfg.Mode, log)

	orch := orchestrator.New(manager, recon, policy, b, sig.NewFileSource(cfg.SignalFile, loc), router, store,
		orchestrator.Options{
			Mode:           cfg.Mode,
			Location:       loc,
			Specs:          cfg.Jobs.Map(),
			QueueSize:      cfg.QueueSize,
			MaxPositionPct: decimal.NewFromFloat(cfg.MaxPositionPct),
			MaxPositionUSD: decimal.NewFromFloat(cfg.MaxPositionUSD),
		}, log)
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	srv := api.NewServer(orch, store, cfg.APIToken, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.HTTPAddr)
	}()

	router.Notify(ctx, notifier.Info, "Trader started",
		fmt.Sprintf("mode %s, timezone %s, operator API on %s", cfg.Mode, loc, cfg.HTTPAddr), nil)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("operator API: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Warn("operator API shutdown")
	}
	return nil
}

func newBroker(cfg config.Config, log *logrus.Entry) (broker.Broker, error) {
	switch cfg.Mode {
	case "live":
		log.WithField("quote", cfg.WallexQuote).Warn("LIVE trading enabled")
		return broker.NewWallexBroker(cfg.WallexAPIKey, cfg.WallexQuote, log)
	default:
		if err := ensureDir(cfg.PaperBookPath); err != nil {
			return nil, err
		}
		return broker.NewPaper(cfg.PaperBookPath, decimal.NewFromFloat(cfg.PaperCapital), log)
	}
}

// buildTiers turns channel names into channels. Channels without credentials are skipped
// with a warning so a missing token never blocks startup.
func buildTiers(cfg config.Config, log *logrus.Entry) notifier.Tiers {
	build := func(names []string) []notifier.Channel {
		var out []notifier.Channel
		for _, name := range names {
			ch := channel(cfg, name, log)
			if ch == nil {
				log.WithField("channel", name).Warn("notification channel not configured, skipping")
				continue
			}
			out = append(out, ch)
		}
		return out
	}
	return notifier.Tiers{
		Primary:   build(cfg.Notify.Primary),
		Secondary: build(cfg.Notify.Secondary),
		Urgent:    build(cfg.Notify.Urgent),
	}
}

func channel(cfg config.Config, name string, log *logrus.Entry) notifier.Channel {
	smtpCfg := func(to []string) notifier.SMTPConfig {
		return notifier.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       to,
		}
	}
	switch name {
	case "log":
		return notifier.NewLogNotifier(log)
	case "telegram":
		if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
			return nil
		}
		return notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	case "discord":
		if cfg.DiscordWebhook == "" {
			return nil
		}
		return notifier.NewDiscordNotifier(cfg.DiscordWebhook)
	case "email":
		if cfg.SMTP.Host == "" || len(cfg.SMTP.EmailTo) == 0 {
			return nil
		}
		return notifier.NewEmailNotifier("email", smtpCfg(cfg.SMTP.EmailTo))
	case "sms":
		if cfg.SMTP.Host == "" || len(cfg.SMTP.SMSTo) == 0 {
			return nil
		}
		return notifier.NewEmailNotifier("sms", smtpCfg(cfg.SMTP.SMSTo))
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
