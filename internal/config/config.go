package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. CALENDAR_GQL_EMAIL_HOST -> email.host.
const EnvPrefix = "CALENDAR_GQL_"

// CalendarConfig describes a single ICS source.
type CalendarConfig struct {
	// ID is the stable identifier exposed to API clients and stored with subscriptions.
	ID string `koanf:"id" yaml:"id"`
	// Name is the display name; defaults to ID.
	Name string `koanf:"name" yaml:"name"`
	// URL is the ICS endpoint.
	URL string `koanf:"url" yaml:"url"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

type CacheConfig struct {
	Dir string `koanf:"dir" yaml:"dir"`
}

type DispatchConfig struct {
	// Seconds between the end of one dispatch cycle and the start of the next.
	Seconds int `koanf:"seconds" yaml:"seconds"`
}

// EmailConfig holds SMTP settings for email notifications.
type EmailConfig struct {
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port"`
	User string `koanf:"user" yaml:"user"`
	Pass string `koanf:"pass" yaml:"pass"`
	From string `koanf:"from" yaml:"from"`
	TLS  bool   `koanf:"tls" yaml:"tls"`
}

// SMSConfig holds Twilio-compatible REST settings for SMS notifications.
type SMSConfig struct {
	AccountSID string `koanf:"sid" yaml:"sid"`
	AuthToken  string `koanf:"token" yaml:"token"`
	From       string `koanf:"from" yaml:"from"`
	BaseURL    string `koanf:"baseurl" yaml:"baseurl"`
}

type CORSConfig struct {
	Origins []string `koanf:"origins" yaml:"origins"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `koanf:"listen" yaml:"listen"`

	// Env is "development" or "production".
	Env string `koanf:"env" yaml:"env"`

	Log      LogConfig      `koanf:"log" yaml:"log"`
	Database DatabaseConfig `koanf:"database" yaml:"database"`
	Cache    CacheConfig    `koanf:"cache" yaml:"cache"`

	// RefreshCron is the cron spec for source refresh.
	RefreshCron string `koanf:"refresh" yaml:"refresh"`

	Dispatch DispatchConfig `koanf:"dispatch" yaml:"dispatch"`

	// Calendars is the list of configured ICS sources. Sources declared via
	// CALENDAR_<ID> environment variables are merged in by Load.
	Calendars []CalendarConfig `koanf:"calendars" yaml:"calendars"`

	Email EmailConfig `koanf:"email" yaml:"email"`
	SMS   SMSConfig   `koanf:"sms" yaml:"sms"`
	CORS  CORSConfig  `koanf:"cors" yaml:"cors"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Env:         "development",
		Log:         LogConfig{Level: "info"},
		Database:    DatabaseConfig{Path: "./var/calendar-gql.db"},
		Cache:       CacheConfig{Dir: "./var/ics-cache"},
		RefreshCron: "@every 5m",
		Dispatch:    DispatchConfig{Seconds: 60},
		Calendars:   []CalendarConfig{},
		Email:       EmailConfig{Port: 587, TLS: true},
		SMS:         SMSConfig{BaseURL: "https://api.twilio.com"},
		CORS:        CORSConfig{Origins: []string{"*"}},
	}
}

// Debug reports whether the process runs in development mode.
func (c *Config) Debug() bool {
	return c.Env != "production"
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		if c.Debug() {
			c.Log.Format = "console"
		} else {
			c.Log.Format = "json"
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = def.Cache.Dir
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.Dispatch.Seconds <= 0 {
		c.Dispatch.Seconds = def.Dispatch.Seconds
	}
	if c.Email.Port == 0 {
		c.Email.Port = def.Email.Port
	}
	if c.SMS.BaseURL == "" {
		c.SMS.BaseURL = def.SMS.BaseURL
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].Name == "" {
			c.Calendars[i].Name = c.Calendars[i].ID
		}
	}
}

// Validate reports configuration errors that must stop the process.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", c.RefreshCron, err)
	}
	seen := make(map[string]bool, len(c.Calendars))
	for _, cal := range c.Calendars {
		if cal.ID == "" {
			return errors.New("calendar with empty id")
		}
		if cal.URL == "" {
			return fmt.Errorf("calendar %q has no url", cal.ID)
		}
		if seen[cal.ID] {
			return fmt.Errorf("duplicate calendar id %q", cal.ID)
		}
		seen[cal.ID] = true
	}
	return nil
}

// Load loads configuration from the given YAML path, layered as
// defaults -> file -> CALENDAR_GQL_* environment -> legacy environment
// (CALENDAR_<ID>, EMAIL_*, TWILIO_*, NODE_ENV).
//
// If the file does not exist, a default config is written to path with 0600
// permissions and loading continues with the defaults.
func Load(path string) (*Config, error) {
	return LoadWithEnviron(path, os.Environ)
}

// LoadWithEnviron is Load with an injectable environment source.
func LoadWithEnviron(path string, environ func() []string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err := Save(path, DefaultConfig()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		EnvironFunc:   environ,
		TransformFunc: transformPrefixed,
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	err = k.Load(env.Provider(".", env.Opt{
		EnvironFunc:   environ,
		TransformFunc: transformLegacy,
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load legacy env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Calendars = mergeCalendars(cfg.Calendars, legacyCalendars(k))
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func transformPrefixed(k, v string) (string, any) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, EnvPrefix)), "_", ".")
	if key == "cors.origins" {
		return key, splitList(v)
	}
	return key, v
}

var (
	legacyCalendarURL  = regexp.MustCompile(`^CALENDAR_([a-zA-Z0-9]+)$`)
	legacyCalendarName = regexp.MustCompile(`^CALENDAR_([a-zA-Z0-9]+)_NAME$`)

	legacyKeys = map[string]string{
		"EMAIL_HOST":         "email.host",
		"EMAIL_PORT":         "email.port",
		"EMAIL_USER":         "email.user",
		"EMAIL_PASS":         "email.pass",
		"EMAIL_FROM":         "email.from",
		"TWILIO_ACCOUNT_SID": "sms.sid",
		"TWILIO_AUTH_TOKEN":  "sms.token",
		"TWILIO_PHONE":       "sms.from",
		"NODE_ENV":           "env",
	}
)

// transformLegacy maps the original deployment's variable names onto config
// keys. Calendar sources land under "legacy.<id>.url|name". Unknown
// variables map to "" and are skipped.
func transformLegacy(k, v string) (string, any) {
	if m := legacyCalendarName.FindStringSubmatch(k); m != nil {
		return "legacy." + m[1] + ".name", v
	}
	if m := legacyCalendarURL.FindStringSubmatch(k); m != nil {
		return "legacy." + m[1] + ".url", v
	}
	if key, ok := legacyKeys[k]; ok {
		return key, v
	}
	return "", nil
}

func legacyCalendars(k *koanf.Koanf) []CalendarConfig {
	ids := k.MapKeys("legacy")
	out := make([]CalendarConfig, 0, len(ids))
	for _, id := range ids {
		url := k.String("legacy." + id + ".url")
		if url == "" {
			// A _NAME without its URL variable declares nothing.
			continue
		}
		name := k.String("legacy." + id + ".name")
		if name == "" {
			name = id
		}
		out = append(out, CalendarConfig{ID: id, Name: name, URL: url})
	}
	return out
}

// mergeCalendars appends env-declared sources to file-declared ones; an env
// source overrides a file source with the same id.
func mergeCalendars(fromFile, fromEnv []CalendarConfig) []CalendarConfig {
	byID := make(map[string]CalendarConfig, len(fromFile)+len(fromEnv))
	for _, c := range fromFile {
		byID[c.ID] = c
	}
	for _, c := range fromEnv {
		byID[c.ID] = c
	}
	out := make([]CalendarConfig, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calendar-gql-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
