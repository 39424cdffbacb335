// Command engine is the worker process of the engagement engine: it owns no
// HTTP surface (spec.md §1 Non-goals), only the job queue, the campaign
// state machine, the channel dispatcher, and the session registry, wired
// together and run until signalled to stop. Grounded on the teacher's
// Manager.Run boot sequence (internal/manager/manager.go), generalized from
// "one campaign manager per tenant" to "one process serving every tenant's
// jobs through tenant-scoped queries".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/campaign"
	"github.com/outpacehq/engagement-engine/internal/config"
	"github.com/outpacehq/engagement-engine/internal/crypto"
	"github.com/outpacehq/engagement-engine/internal/dispatcher"
	"github.com/outpacehq/engagement-engine/internal/logging"
	"github.com/outpacehq/engagement-engine/internal/migrate"
	"github.com/outpacehq/engagement-engine/internal/queue"
	"github.com/outpacehq/engagement-engine/internal/replypoll"
	"github.com/outpacehq/engagement-engine/internal/session"
	"github.com/outpacehq/engagement-engine/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("engine exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log logf.Logger) error {
	db, err := sqlx.Connect("postgres", cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer db.Close()

	if !cfg.NoMigrate {
		if err := migrate.Up(db.DB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied")
	}

	vault, err := crypto.NewFromBase64(cfg.VaultKeyB64)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	sessions := session.New(session.NewStore(db), vault, log, cfg.WhatsAppSessionRoot, cfg.TelegramAPIID, cfg.TelegramAPIHash)
	disp := dispatcher.New(dispatcher.NewConfigStore(db), vault, sessions, log)

	q := queue.New(db, log)
	campaignEngine := campaign.New(campaign.NewStore(db), disp, q, log)
	poller := replypoll.New(replypoll.NewStore(db), sessions, q, log)

	pool := queue.NewPool(q, log, cfg.GeneralWorkers, cfg.QueuePollInterval, cfg.LeaseDuration, cfg.JobBatchSize)
	pool.Register(models.JobKindCampaignStep, campaignEngine)
	pool.Register(models.JobKindPollReplies, poller)

	reaper := queue.NewReaper(db, log, cfg.ReaperGrace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrapReplyPolling(ctx, db, q, log); err != nil {
		log.Warn("bootstrap reply polling failed", "error", err)
	}
	sessions.AutoReconnectAll(ctx, activeSessionConfigs(ctx, db, log))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx, cfg.ReaperInterval)
	}()

	log.Info("engine started", "workers", cfg.GeneralWorkers)
	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight jobs")
	wg.Wait()
	log.Info("engine stopped")
	return nil
}

// activeSessionConfigs loads every active WHATSAPP_WEB/TELEGRAM
// ChannelConfig so AutoReconnectAll can attempt to restore their sessions at
// boot (spec.md §4.B).
func activeSessionConfigs(ctx context.Context, db *sqlx.DB, log logf.Logger) []models.ChannelConfig {
	var configs []models.ChannelConfig
	err := db.SelectContext(ctx, &configs, `
		SELECT * FROM channel_configs
		WHERE active = true AND kind IN ('WHATSAPP_WEB', 'TELEGRAM')`)
	if err != nil {
		log.Error("load session-based channel configs", "error", err)
		return nil
	}
	return configs
}

// bootstrapReplyPolling ensures a POLL_REPLIES job is queued for every
// active ChannelConfig with reply_polling.enabled, in case the engine died
// before a prior cycle could reschedule itself (spec.md §4.F: "the engine
// ensures one such job exists per eligible config").
func bootstrapReplyPolling(ctx context.Context, db *sqlx.DB, q *queue.Queue, log logf.Logger) error {
	var configs []models.ChannelConfig
	if err := db.SelectContext(ctx, &configs, `SELECT * FROM channel_configs WHERE active = true`); err != nil {
		return fmt.Errorf("load channel configs: %w", err)
	}

	for _, cfg := range configs {
		var settings models.ChannelSettings
		if err := cfg.Settings.Unmarshal(&settings); err != nil || !settings.ReplyPolling.Enabled {
			continue
		}
		var pending int
		if err := db.GetContext(ctx, &pending, `
			SELECT count(*) FROM jobs
			WHERE kind = $1 AND status IN ('PENDING', 'RUNNING')
			  AND payload->>'channel_config_id' = $2`,
			models.JobKindPollReplies, fmt.Sprintf("%d", cfg.ID)); err != nil {
			log.Warn("check pending poll job", "channel_config_id", cfg.ID, "error", err)
			continue
		}
		if pending > 0 {
			continue
		}
		if err := replypoll.EnsurePollJob(ctx, q, cfg.TenantID, cfg.ID, time.Now()); err != nil {
			log.Warn("bootstrap poll job", "channel_config_id", cfg.ID, "error", err)
		}
	}
	return nil
}
