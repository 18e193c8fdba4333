// Package config resolves settings from flags, INTERLEASE_* environment
// variables, .env files and an optional YAML config file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "interlease"

// Backends the serve command can open.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRemote = "remote"
)

type Config struct {
	Addr     string
	Socket   string
	Backend  string
	DBPath   string
	KeysFile string
	LogLevel string

	// ExportStore serves the record store on /api/store/ to keys holding
	// the store grant.
	ExportStore bool

	// Remote store or API server, with the credentials used against it.
	ServerURL string
	APIKey    string
	UserID    string

	SweepInterval time.Duration
	Location      *time.Location
	MaxAmount     float64
	MaxMessageLen int
	MaxSpanDays   int

	BreakerThreshold int
	BreakerReset     time.Duration
	RetryMax         int
	RetryBase        time.Duration
}

type flag struct {
	name  string
	def   any
	usage string
}

var serveFlags = []flag{
	{"addr", ":7338", "TCP address to listen on"},
	{"socket", "", "optional unix socket to serve on as well"},
	{"backend", BackendSQLite, "record store backend: sqlite, memory or remote"},
	{"db", "interlease.db", "SQLite database path"},
	{"keys-file", "interlease.keys.yaml", "YAML file mapping API keys to users"},
	{"export-store", false, "serve the record store on /api/store/ to keys with store_access"},
	{"sweep-interval", time.Hour, "how often stale pending reservations are expired"},
	{"timezone", "UTC", "IANA zone that decides which date is today"},
	{"max-amount", 1_000_000.0, "largest amount a bid may offer"},
	{"max-message-length", 2000, "longest message accepted on a bid or decision"},
	{"max-span-days", 90, "longest interval a bid may cover, in days"},
	{"breaker-threshold", 5, "consecutive store failures before the circuit opens"},
	{"breaker-reset", 5 * time.Second, "how long the circuit stays open"},
	{"retry-max", 7, "retries of a store operation that hit a locked database"},
	{"retry-base", 50 * time.Millisecond, "initial backoff between those retries"},
}

var clientFlags = []flag{
	{"server", "http://127.0.0.1:7338", "base URL of the interlease server (also the remote store)"},
	{"api-key", "", "API key sent as a bearer token"},
	{"user", "", "acting user for localhost requests without an API key"},
}

var commonFlags = []flag{
	{"config", "", "optional YAML config file"},
	{"log-level", "info", "debug, info, warn or error"},
}

// RegisterServeFlags adds the server settings to cmd.
func RegisterServeFlags(cmd *cobra.Command) {
	register(cmd.Flags(), serveFlags)
}

// RegisterClientFlags adds the server URL and credentials to cmd and its
// subcommands.
func RegisterClientFlags(cmd *cobra.Command) {
	register(cmd.PersistentFlags(), clientFlags)
}

// RegisterCommonFlags adds --config and --log-level as persistent flags.
func RegisterCommonFlags(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	for _, f := range commonFlags {
		fs.String(f.name, f.def.(string), f.usage)
	}
}

func register(fs *pflag.FlagSet, flags []flag) {
	for _, f := range flags {
		switch def := f.def.(type) {
		case string:
			fs.String(f.name, def, f.usage)
		case bool:
			fs.Bool(f.name, def, f.usage)
		case int:
			fs.Int(f.name, def, f.usage)
		case float64:
			fs.Float64(f.name, def, f.usage)
		case time.Duration:
			fs.Duration(f.name, def, f.usage)
		}
	}
}

// LoadDotEnv reads .env and .env.local when present. Variables already set in
// the environment win.
func LoadDotEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Load resolves the configuration for cmd.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	for _, group := range [][]flag{commonFlags, serveFlags, clientFlags} {
		for _, f := range group {
			v.SetDefault(f.name, f.def)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, fs := range []*pflag.FlagSet{cmd.InheritedFlags(), cmd.PersistentFlags(), cmd.Flags()} {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, err
		}
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:             v.GetString("addr"),
		Socket:           v.GetString("socket"),
		Backend:          strings.ToLower(v.GetString("backend")),
		DBPath:           v.GetString("db"),
		KeysFile:         v.GetString("keys-file"),
		ExportStore:      v.GetBool("export-store"),
		LogLevel:         v.GetString("log-level"),
		ServerURL:        strings.TrimRight(v.GetString("server"), "/"),
		APIKey:           v.GetString("api-key"),
		UserID:           v.GetString("user"),
		SweepInterval:    v.GetDuration("sweep-interval"),
		MaxAmount:        v.GetFloat64("max-amount"),
		MaxMessageLen:    v.GetInt("max-message-length"),
		MaxSpanDays:      v.GetInt("max-span-days"),
		BreakerThreshold: v.GetInt("breaker-threshold"),
		BreakerReset:     v.GetDuration("breaker-reset"),
		RetryMax:         v.GetInt("retry-max"),
		RetryBase:        v.GetDuration("retry-base"),
	}
	var errs []error
	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	cfg.Location = loc
	switch cfg.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRemote:
		if cfg.ServerURL == "" {
			errs = append(errs, errors.New("remote backend needs --server"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", cfg.Backend))
	}
	if cfg.MaxAmount <= 0 {
		errs = append(errs, errors.New("max-amount must be positive"))
	}
	if cfg.MaxSpanDays <= 0 {
		errs = append(errs, errors.New("max-span-days must be positive"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be positive"))
	}
	if cfg.RetryMax < 0 {
		errs = append(errs, errors.New("retry-max must not be negative"))
	}
	return cfg, errors.Join(errs...)
}
