// Package daemon runs the background upkeep of an AS2 station: delivery of
// pending asynchronous receipts, retry of failed transmissions, expiry of
// unacknowledged messages, and archival cleanup of old records.
package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/luckylud/pyas2/as2"
	"github.com/luckylud/pyas2/store"
)

const (
	defaultInterval        = time.Minute
	defaultAsyncMDNWait    = 30 * time.Minute
	defaultArchiveAge      = 30 * 24 * time.Hour
	defaultCleanupInterval = 24 * time.Hour
)

// Config carries the loop periods. Zero values pick the defaults.
type Config struct {
	// Interval between exchange upkeep passes.
	Interval time.Duration
	// AsyncMDNWait is how long an outbound message may wait for its
	// asynchronous receipt before it is failed.
	AsyncMDNWait time.Duration
	// ArchiveAge is the age after which finished records and their
	// artifacts are removed.
	ArchiveAge time.Duration
	// CleanupInterval between archival passes.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.AsyncMDNWait <= 0 {
		c.AsyncMDNWait = defaultAsyncMDNWait
	}
	if c.ArchiveAge <= 0 {
		c.ArchiveAge = defaultArchiveAge
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// Coordinator owns the background loops of a station.
type Coordinator struct {
	engine  *as2.Engine
	records *store.Store
	cfg     Config
	log     zerolog.Logger
}

func New(engine *as2.Engine, records *store.Store, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		engine:  engine,
		records: records,
		cfg:     cfg.withDefaults(),
		log:     log,
	}
}

// Run drives the upkeep and cleanup loops until ctx is cancelled.
// Cancellation is a clean shutdown, not an error.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info().
		Dur("interval", c.cfg.Interval).
		Dur("async_mdn_wait", c.cfg.AsyncMDNWait).
		Dur("archive_age", c.cfg.ArchiveAge).
		Msg("station coordinator running")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop(ctx, c.cfg.Interval, c.Maintain) })
	g.Go(func() error { return c.loop(ctx, c.cfg.CleanupInterval, c.cleanup) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Coordinator) loop(ctx context.Context, period time.Duration, pass func(context.Context)) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			pass(ctx)
		}
	}
}

// Maintain runs one exchange upkeep pass: send receipts still pending,
// fail messages whose receipt is overdue, and retry failed transmissions.
// Pass failures are logged; the next tick starts fresh.
func (c *Coordinator) Maintain(ctx context.Context) {
	if err := c.engine.SendPendingMDNs(ctx); err != nil {
		c.log.Error().Err(err).Msg("pending mdn delivery pass failed")
	}
	if n, err := c.engine.ExpireUnacknowledged(ctx, c.cfg.AsyncMDNWait); err != nil {
		c.log.Error().Err(err).Msg("receipt expiry pass failed")
	} else if n > 0 {
		c.log.Info().Int("expired", n).Msg("failed messages with overdue receipts")
	}
	if n, err := c.engine.RetryFailedSends(ctx); err != nil {
		c.log.Error().Err(err).Msg("retry pass failed")
	} else if n > 0 {
		c.log.Info().Int("retried", n).Msg("retried failed transmissions")
	}
}

func (c *Coordinator) cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.ArchiveAge)
	if _, err := Cleanup(ctx, c.records, cutoff, c.log); err != nil {
		c.log.Error().Err(err).Msg("cleanup pass failed")
	}
}

// Cleanup removes finished message records older than cutoff together with
// their stored artifacts, then sweeps the dated artifact partitions. Inbox
// deliveries are never touched; they belong to the receiving application.
// Returns the number of records removed.
func Cleanup(ctx context.Context, records *store.Store, cutoff time.Time, log zerolog.Logger) (int, error) {
	msgs, err := records.ListMessages(ctx, store.MessageFilter{Before: cutoff})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, msg := range msgs {
		switch msg.Status {
		case store.StatusSuccess, store.StatusError, store.StatusWarning:
		default:
			// Live exchanges keep their records regardless of age.
			continue
		}
		if msg.PayloadFile != "" {
			removeFile(log, msg.PayloadFile)
		}
		if msg.MDNID != "" {
			if mdn, err := records.GetMDN(ctx, msg.MDNID); err == nil && mdn.File != "" {
				removeFile(log, mdn.File)
			}
		}
		if err := records.DeleteMessage(ctx, msg.ID); err != nil {
			log.Error().Err(err).Str("message", msg.ID).Msg("failed to remove archived record")
			continue
		}
		removed++
	}

	files := records.Files()
	for _, dir := range []string{
		files.PayloadReceiveDir(),
		files.PayloadSendDir(),
		files.MDNReceiveDir(),
		files.MDNSendDir(),
		files.RawReceiveDir(),
	} {
		if _, err := files.RemoveOlderThan(dir, cutoff); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("failed to sweep artifact partition")
		}
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("archived records removed")
	}
	return removed, nil
}

func removeFile(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", path).Msg("failed to remove stored artifact")
	}
}
