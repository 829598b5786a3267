// Package config holds the daemon settings and their binding to flags,
// environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"phantomid/internal/proto"
)

const (
	EnvPrefix = "PHANTOM"

	DefaultPort            = 8888
	DefaultHost            = "0.0.0.0"
	DefaultTTL             = 90 * 24 * time.Hour
	DefaultSweepInterval   = time.Minute
	DefaultMaxPayload      = 4096
	DefaultInboxCap        = 256
	DefaultMaxConnsPerIP   = 16
	DefaultMaxStreamsPerIP = 64
)

type Config struct {
	Host            string
	Port            int
	TTL             time.Duration
	SweepInterval   time.Duration
	MaxChildren     int
	MaxAccounts     int
	MaxPayload      int
	InboxCap        int
	Journal         string
	JournalKey      string
	ConfineSubtree  bool
	MetricsListen   string
	MetricsSnapshot string
	PprofListen     string
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	LogLevel        string
}

func Default() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		TTL:             DefaultTTL,
		SweepInterval:   DefaultSweepInterval,
		MaxPayload:      DefaultMaxPayload,
		InboxCap:        DefaultInboxCap,
		MaxConnsPerIP:   DefaultMaxConnsPerIP,
		MaxStreamsPerIP: DefaultMaxStreamsPerIP,
		LogLevel:        "info",
	}
}

// Addr is the host:port the daemon listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.TTL <= 0 {
		errs = append(errs, errors.New("ttl must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be positive"))
	}
	if c.MaxChildren < 0 || c.MaxAccounts < 0 {
		errs = append(errs, errors.New("max-children and max-accounts must not be negative"))
	}
	if c.MaxPayload <= 0 {
		errs = append(errs, errors.New("max-payload must be positive"))
	}
	if limit := proto.MaxSendPayload(); c.MaxPayload > limit {
		errs = append(errs, fmt.Errorf("max-payload %s exceeds the %s a send request can carry",
			humanize.IBytes(uint64(c.MaxPayload)), humanize.IBytes(uint64(limit))))
	}
	if c.InboxCap <= 0 {
		errs = append(errs, errors.New("inbox-cap must be positive"))
	}
	if c.JournalKey != "" && c.Journal == "" {
		errs = append(errs, errors.New("journal-key set without journal"))
	}
	return errors.Join(errs...)
}

// Flags registers every setting on fs with its default.
func Flags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("host", d.Host, "listen host")
	fs.IntP("port", "p", d.Port, "listen port (UDP, QUIC)")
	fs.Duration("ttl", d.TTL, "account lifetime")
	fs.Duration("sweep-interval", d.SweepInterval, "how often expired accounts are evicted")
	fs.Int("max-children", d.MaxChildren, "direct children per account (0 = unlimited)")
	fs.Int("max-accounts", d.MaxAccounts, "accounts in the tree (0 = unlimited)")
	fs.String("max-payload", humanize.IBytes(uint64(d.MaxPayload)), "largest message payload, e.g. 4096 or 4KiB")
	fs.Int("inbox-cap", d.InboxCap, "queued messages per recipient")
	fs.String("journal", "", "append delivered messages to this JSONL file (empty = off)")
	fs.String("journal-key", "", "hex XChaCha20 key sealing journal payloads (random when empty)")
	fs.Bool("confine-subtree", d.ConfineSubtree, "only deliver between accounts sharing a root")
	fs.String("metrics-listen", "", "Prometheus /metrics address (empty = off)")
	fs.String("metrics-snapshot", "", "write a JSON metrics snapshot to this file every second (empty = off)")
	fs.String("pprof-listen", "", "loopback pprof address (empty = off)")
	fs.Int("max-conns-per-ip", d.MaxConnsPerIP, "concurrent connections per client IP (0 = unlimited)")
	fs.Int("max-streams-per-ip", d.MaxStreamsPerIP, "concurrent streams per client IP (0 = unlimited)")
	fs.String("log-level", d.LogLevel, "log level (trace, debug, info, warn, error)")
}

var keys = []string{
	"config", "host", "port", "ttl", "sweep-interval", "max-children", "max-accounts",
	"max-payload", "inbox-cap", "journal", "journal-key", "confine-subtree",
	"metrics-listen", "metrics-snapshot", "pprof-listen", "max-conns-per-ip", "max-streams-per-ip", "log-level",
}

// Bind wires fs into v and enables PHANTOM_* environment overrides.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, name := range keys {
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q not registered", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return err
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the optional config file named by the "config" key and
// resolves the final settings. Precedence: flags, environment, file,
// defaults.
func Load(v *viper.Viper) (Config, string, error) {
	path, err := readConfigFile(v)
	if err != nil {
		return Config{}, "", err
	}
	maxPayload, err := parseSize(v.GetString("max-payload"))
	if err != nil {
		return Config{}, path, fmt.Errorf("max-payload: %w", err)
	}
	cfg := Config{
		Host:            strings.TrimSpace(v.GetString("host")),
		Port:            v.GetInt("port"),
		TTL:             v.GetDuration("ttl"),
		SweepInterval:   v.GetDuration("sweep-interval"),
		MaxChildren:     v.GetInt("max-children"),
		MaxAccounts:     v.GetInt("max-accounts"),
		MaxPayload:      maxPayload,
		InboxCap:        v.GetInt("inbox-cap"),
		Journal:         strings.TrimSpace(v.GetString("journal")),
		JournalKey:      strings.TrimSpace(v.GetString("journal-key")),
		ConfineSubtree:  v.GetBool("confine-subtree"),
		MetricsListen:   strings.TrimSpace(v.GetString("metrics-listen")),
		MetricsSnapshot: strings.TrimSpace(v.GetString("metrics-snapshot")),
		PprofListen:     strings.TrimSpace(v.GetString("pprof-listen")),
		MaxConnsPerIP:   v.GetInt("max-conns-per-ip"),
		MaxStreamsPerIP: v.GetInt("max-streams-per-ip"),
		LogLevel:        strings.TrimSpace(v.GetString("log-level")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

func readConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// parseSize accepts plain byte counts and humanized sizes ("4KiB", "8 kB").
func parseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint(0)>>1) {
		return 0, fmt.Errorf("size %s too large", s)
	}
	return int(n), nil
}
