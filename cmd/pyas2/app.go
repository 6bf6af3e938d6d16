package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/luckylud/pyas2/as2"
	"github.com/luckylud/pyas2/config"
	"github.com/luckylud/pyas2/notify"
	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/store"
)

// app is the assembled station: configuration, stores, profiles and the
// exchange engine.
type app struct {
	cfg      *config.Settings
	log      zerolog.Logger
	profiles *profile.Store
	records  *store.Store
	files    *store.FileStore
	engine   *as2.Engine
}

func (a *app) Close() {
	if err := a.records.Close(); err != nil {
		a.log.Error().Err(err).Msg("closing record store")
	}
}

// loadApp reads the configuration and profiles, prepares the station
// directories and opens the record store. Certificate material is loaded
// eagerly, so a broken profile fails here rather than mid-exchange.
func loadApp(configPath string, console bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(os.Stderr, cfg.LogLevel, console)

	profiles, err := profile.Load(cfg.Profiles)
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}
	var orgs, partners []string
	for _, org := range profiles.Organizations() {
		orgs = append(orgs, org.As2Name)
	}
	for _, p := range profiles.Partners() {
		partners = append(partners, p.As2Name)
	}

	files := store.NewFileStore(cfg.DataDir)
	if err := files.Bootstrap(orgs, partners); err != nil {
		return nil, fmt.Errorf("preparing station directories: %w", err)
	}
	records, err := store.Open(context.Background(), cfg.Database, files)
	if err != nil {
		return nil, err
	}

	opts := []as2.Option{
		as2.WithLogger(log),
		as2.WithMDNURL(cfg.MDNURL),
		as2.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.Mail.Enabled() {
		mailer, err := notify.NewMailer(cfg.Mail)
		if err != nil {
			records.Close()
			return nil, err
		}
		opts = append(opts, as2.WithNotifier(mailer))
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("organizations", len(orgs)).
		Int("partners", len(partners)).
		Msg("station profiles loaded")

	return &app{
		cfg:      cfg,
		log:      log,
		profiles: profiles,
		records:  records,
		files:    files,
		engine:   as2.New(profiles, records, opts...),
	}, nil
}

// run loads the station and hands off to fn, closing the app afterwards.
// Usage help is silenced once arguments have validated; from here on
// failures are operational, not usage errors.
func run(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	cmd.SilenceUsage = true
	a, err := loadApp(flags.config, flags.console)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
