// Package config loads the station settings: a YAML file layered with
// environment overrides (a .env file is honoured for the latter), plus
// construction of the station logger.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the file and environment are read.
const (
	DefaultPort         = 8080
	DefaultURI          = "/pyas2/as2receive"
	DefaultAsyncMDNWait = 30
	DefaultMaxRetries   = 30
	DefaultMaxArchDays  = 30
	DefaultDataDir      = "data"
)

// Mail configures the SMTP reporter for operator error mails.
type Mail struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Enabled reports whether the settings are complete enough to send mail.
func (m Mail) Enabled() bool {
	return m.Host != "" && m.From != "" && len(m.To) > 0
}

// Settings is the full station configuration.
type Settings struct {
	// Host and Port form the listen address; Host also names this station
	// in the derived MDN return url.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URI is the path the receive endpoint is served under.
	URI string `yaml:"uri"`

	// MDNURL is the receipt return address advertised to partners for
	// asynchronous MDNs. Derived from the listen address when empty.
	MDNURL string `yaml:"mdn_url"`

	// AsyncMDNWait is how long, in minutes, an outbound message may wait
	// for its asynchronous receipt before it is failed.
	AsyncMDNWait int `yaml:"async_mdn_wait"`
	MaxRetries   int `yaml:"max_retries"`
	// MaxArchDays is the age, in days, after which finished records and
	// stored artifacts are removed.
	MaxArchDays int `yaml:"max_arch_days"`

	LogLevel string `yaml:"log_level"`

	// SSLCertificate and SSLPrivateKey switch the endpoint to HTTPS when
	// both are set.
	SSLCertificate string `yaml:"ssl_certificate"`
	SSLPrivateKey  string `yaml:"ssl_private_key"`

	// DataDir roots the filesystem stores. Profiles and Database default
	// to files inside it.
	DataDir  string `yaml:"data_dir"`
	Profiles string `yaml:"profiles"`
	Database string `yaml:"database"`

	Mail Mail `yaml:"mail"`
}

func defaults() *Settings {
	return &Settings{
		Port:         DefaultPort,
		URI:          DefaultURI,
		AsyncMDNWait: DefaultAsyncMDNWait,
		MaxRetries:   DefaultMaxRetries,
		MaxArchDays:  DefaultMaxArchDays,
		LogLevel:     "info",
		DataDir:      DefaultDataDir,
	}
}

// Load reads settings from path, which may be empty to run on defaults, then
// layers environment values on top. Unknown YAML fields are rejected so a
// typo fails loudly instead of silently running on a default.
func Load(path string) (*Settings, error) {
	s := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// .env fills gaps in the process environment without clobbering it.
	_ = godotenv.Load()
	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	s.finish()
	return s, nil
}

func (s *Settings) applyEnv() error {
	if v := os.Getenv("AS2HOST"); v != "" {
		s.Host = v
	}
	if v := os.Getenv("AS2URI"); v != "" {
		s.URI = v
	}
	if v := os.Getenv("MDNURL"); v != "" {
		s.MDNURL = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("SSLCERTIFICATE"); v != "" {
		s.SSLCertificate = v
	}
	if v := os.Getenv("SSLPRIVATEKEY"); v != "" {
		s.SSLPrivateKey = v
	}
	if v := os.Getenv("DATADIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("PROFILES"); v != "" {
		s.Profiles = v
	}
	if v := os.Getenv("DATABASE"); v != "" {
		s.Database = v
	}
	for _, iv := range []struct {
		name string
		dst  *int
	}{
		{"AS2PORT", &s.Port},
		{"ASYNCMDNWAIT", &s.AsyncMDNWait},
		{"MAXRETRIES", &s.MaxRetries},
		{"MAXARCHDAYS", &s.MaxArchDays},
	} {
		if err := intEnv(iv.name, iv.dst); err != nil {
			return err
		}
	}
	return nil
}

func intEnv(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("environment %s: %w", name, err)
	}
	*dst = n
	return nil
}

// finish derives the values left unset: store paths under the data dir and
// the advertised MDN return url from the listen address.
func (s *Settings) finish() {
	if s.Profiles == "" {
		s.Profiles = filepath.Join(s.DataDir, "profiles.yml")
	}
	if s.Database == "" {
		s.Database = filepath.Join(s.DataDir, "pyas2.sqlite3")
	}
	if !strings.HasPrefix(s.URI, "/") {
		s.URI = "/" + s.URI
	}
	if s.MDNURL == "" {
		host := s.Host
		if host == "" {
			host = "localhost"
		}
		scheme := "http"
		if s.TLS() {
			scheme = "https"
		}
		s.MDNURL = fmt.Sprintf("%s://%s:%d%s", scheme, host, s.Port, s.URI)
	}
}

// ListenAddr is the host:port the endpoint binds.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLS reports whether the endpoint serves HTTPS.
func (s *Settings) TLS() bool {
	return s.SSLCertificate != "" && s.SSLPrivateKey != ""
}

func (s *Settings) AsyncMDNWaitDuration() time.Duration {
	return time.Duration(s.AsyncMDNWait) * time.Minute
}

func (s *Settings) ArchiveAge() time.Duration {
	return time.Duration(s.MaxArchDays) * 24 * time.Hour
}

// NewLogger builds the station logger at the configured level. Console mode
// renders human readable lines for a terminal, otherwise JSON goes to w.
func NewLogger(w io.Writer, level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
