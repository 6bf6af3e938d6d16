// Package as2 implements the AS2 exchange engine (RFC 4130): building and
// transmitting outbound messages, unwrapping inbound transmissions, and
// generating, delivering and reconciling message disposition notifications.
//
// The engine is glue between the profile store, the message store and the
// S/MIME primitives. It is transport-agnostic: HTTP serving lives in the
// server package and scheduling in the daemon package, both of which drive
// the engine through its exported methods.
package as2

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luckylud/pyas2/mimeutil"
	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/store"
)

// Protocol identity carried in AS2 and MDN headers.
const (
	as2Version     = "1.1"
	ediintFeatures = "CEM"
	userAgent      = "pyas2 AS2 engine"
	reportingUA    = userAgent

	// RFC 4130 requires disposition-notification-to but ignores its value;
	// the conventional placeholder mailbox goes on the wire.
	dispositionNotifyTo = "no-reply@pyas2.com"
)

// DefaultMaxRetries bounds transmission and asynchronous MDN delivery
// attempts when no explicit limit is configured.
const DefaultMaxRetries = 30

const defaultSendTimeout = 60 * time.Second

// Notifier delivers operator reports for failures that need attention. The
// notify package provides an SMTP implementation; tests plug in fakes.
type Notifier interface {
	NotifyError(ctx context.Context, subject, body string) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyError(context.Context, string, string) error { return nil }

// Engine drives every AS2 exchange. All durable state lives in the stores,
// so one engine is safe for concurrent use across requests and the
// background coordinator.
type Engine struct {
	profiles *profile.Store
	records  *store.Store
	files    *store.FileStore

	client     *http.Client
	mdnURL     string
	maxRetries int
	notifier   Notifier
	log        zerolog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// WithMDNURL sets the receipt return address advertised to partners when an
// asynchronous MDN is requested.
func WithMDNURL(url string) Option {
	return func(e *Engine) {
		e.mdnURL = url
	}
}

// WithMaxRetries bounds send and MDN delivery attempts.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithNotifier installs the operator error reporter.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New wires an engine over the given stores.
func New(profiles *profile.Store, records *store.Store, opts ...Option) *Engine {
	e := &Engine{
		profiles:   profiles,
		records:    records,
		files:      records.Files(),
		client:     &http.Client{Timeout: defaultSendTimeout},
		maxRetries: DefaultMaxRetries,
		notifier:   nopNotifier{},
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newMessageID mints a wire message id. The stored form carries no angle
// brackets; they are added where the id goes on the wire.
func (e *Engine) newMessageID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pyas2"
	}
	return uuid.NewString() + "@" + host
}

// wireDate formats a Date header value (RFC 2822 local time).
func (e *Engine) wireDate() string {
	return e.now().Format(time.RFC1123Z)
}

// logMessage appends one processing event to the message log, mirrored to
// the engine logger.
func (e *Engine) logMessage(ctx context.Context, msg *store.Message, status, text string) {
	if err := e.records.AddLog(ctx, msg.ID, status, text); err != nil {
		e.log.Error().Err(err).Str("message", msg.ID).Msg("appending message log failed")
	}
	e.log.Debug().Str("message", msg.ID).Str("status", status).Msg(text)
}

// notify dispatches an operator report. Delivery failures are logged and
// swallowed; reporting must never change the outcome of an exchange.
func (e *Engine) notify(ctx context.Context, msg *store.Message, text string) {
	subject := fmt.Sprintf("AS2 error report for message %s", msg.MessageID)
	if err := e.notifier.NotifyError(ctx, subject, text); err != nil {
		e.log.Error().Err(err).Str("message", msg.ID).Msg("error report delivery failed")
	}
}

// headerLines flattens a header to "key: value" lines for the records store.
func headerLines(h *mimeutil.Header) string {
	var b strings.Builder
	for _, f := range h.Fields() {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// parseHeaderString reverses headerLines.
func parseHeaderString(s string) (*mimeutil.Header, error) {
	h, _, err := mimeutil.ParseHeaderBlock([]byte(s + "\n"))
	return h, err
}
