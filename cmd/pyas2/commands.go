package main

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luckylud/pyas2/daemon"
	"github.com/luckylud/pyas2/server"
)

type rootFlags struct {
	config  string
	console bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "pyas2",
		Short: "AS2 file transfer station",
		Long: `pyas2 exchanges business documents with trading partners over the AS2
protocol (RFC 4130): S/MIME compression, signing and encryption over
HTTP(S), with synchronous or asynchronous delivery receipts.

Station settings come from a YAML file (--config) overlaid with
environment variables; organizations and partners from the profile file
it references.`,
	}
	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "path to the station configuration file")
	cmd.PersistentFlags().BoolVar(&flags.console, "console", false, "human readable log output")
	cmd.AddCommand(
		newServeCmd(flags),
		newSendCmd(flags),
		newResendCmd(flags),
		newSendAsyncMDNCmd(flags),
		newRetryFailedCommsCmd(flags),
		newCancelRetriesCmd(flags),
		newCleanupCmd(flags),
		newShowCertCmd(flags),
	)
	return cmd
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var noDaemon bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the AS2 receive endpoint and the background coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				g, ctx := errgroup.WithContext(ctx)
				srv := server.New(a.engine, a.log)
				g.Go(func() error {
					return srv.Run(ctx, a.cfg.ListenAddr(), a.cfg.URI,
						a.cfg.SSLCertificate, a.cfg.SSLPrivateKey)
				})
				if !noDaemon {
					coord := daemon.New(a.engine, a.records, daemon.Config{
						AsyncMDNWait: a.cfg.AsyncMDNWaitDuration(),
						ArchiveAge:   a.cfg.ArchiveAge(),
					}, a.log)
					g.Go(func() error { return coord.Run(ctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&noDaemon, "no-daemon", false, "serve without the background coordinator")
	return cmd
}

func newSendCmd(flags *rootFlags) *cobra.Command {
	var deleteAfter bool
	cmd := &cobra.Command{
		Use:   "send <organization> <partner> <file>",
		Short: "Send a file to a partner",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				content, err := os.ReadFile(args[2])
				if err != nil {
					return err
				}
				msg, err := a.engine.SendPayload(ctx, args[0], args[1], content, filepath.Base(args[2]))
				if err != nil {
					if msg != nil {
						return fmt.Errorf("message %s: %w", msg.MessageID, err)
					}
					return err
				}
				if deleteAfter {
					if err := os.Remove(args[2]); err != nil {
						a.log.Warn().Err(err).Str("file", args[2]).Msg("could not delete sent file")
					}
				}
				cmd.Printf("Message %s sent, status %s\n", msg.MessageID, msg.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deleteAfter, "delete", false, "delete the file after a successful send")
	return cmd
}

func newResendCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resend <message-id>",
		Short: "Send a previously transmitted message again under a new id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				msg, err := a.engine.Resend(ctx, args[0])
				if err != nil {
					if msg != nil {
						return fmt.Errorf("message %s: %w", msg.MessageID, err)
					}
					return err
				}
				cmd.Printf("Message resent as %s, status %s\n", msg.MessageID, msg.Status)
				return nil
			})
		},
	}
}

func newSendAsyncMDNCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sendasyncmdn",
		Short: "Deliver pending asynchronous MDNs and fail overdue messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.engine.SendPendingMDNs(ctx); err != nil {
					return err
				}
				n, err := a.engine.ExpireUnacknowledged(ctx, a.cfg.AsyncMDNWaitDuration())
				if err != nil {
					return err
				}
				if n > 0 {
					cmd.Printf("%d message(s) failed waiting for an MDN\n", n)
				}
				return nil
			})
		},
	}
}

func newRetryFailedCommsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retryfailedcomms",
		Short: "Retry messages whose transmission failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.engine.RetryFailedSends(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("Retried %d message(s)\n", n)
				return nil
			})
		},
	}
}

func newCancelRetriesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancelretries <message-id>",
		Short: "Stop retrying a failed message and mark it as error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.engine.CancelRetries(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("Retries cancelled for message %s\n", args[0])
				return nil
			})
		},
	}
}

func newCleanupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished records and artifacts past the archive age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				cutoff := time.Now().UTC().Add(-a.cfg.ArchiveAge())
				n, err := daemon.Cleanup(ctx, a.records, cutoff, a.log)
				if err != nil {
					return err
				}
				cmd.Printf("Removed %d archived record(s)\n", n)
				return nil
			})
		},
	}
}

func newShowCertCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "showcert <as2-name>",
		Short: "Show the certificates loaded for an organization or partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(_ context.Context, a *app) error {
				name := args[0]
				found := false
				if org, err := a.profiles.Organization(name); err == nil {
					found = true
					if org.SignatureKey != nil {
						printCert(cmd, "organization signature key", org.SignatureKey.Certificate)
					}
					if org.EncryptionKey != nil {
						printCert(cmd, "organization encryption key", org.EncryptionKey.Certificate)
					}
				}
				if p, err := a.profiles.Partner(name); err == nil {
					found = true
					if p.SignatureCert != nil {
						printCert(cmd, "partner signature certificate", p.SignatureCert.Certificate)
					}
					if p.EncryptionCert != nil {
						printCert(cmd, "partner encryption certificate", p.EncryptionCert.Certificate)
					}
				}
				if !found {
					return fmt.Errorf("no organization or partner named %q", name)
				}
				return nil
			})
		},
	}
}

func printCert(cmd *cobra.Command, role string, cert *x509.Certificate) {
	sum := sha256.Sum256(cert.Raw)
	cmd.Printf("%s:\n", role)
	cmd.Printf("  subject:    %s\n", cert.Subject)
	cmd.Printf("  issuer:     %s\n", cert.Issuer)
	cmd.Printf("  serial:     %s\n", cert.SerialNumber)
	cmd.Printf("  not before: %s\n", cert.NotBefore.Format(time.RFC3339))
	cmd.Printf("  not after:  %s\n", cert.NotAfter.Format(time.RFC3339))
	cmd.Printf("  sha256:     %s\n", hex.EncodeToString(sum[:]))
}
