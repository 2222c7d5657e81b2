// Package config loads the bot's YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"checkinbot/internal/checkin"
	"checkinbot/internal/domain"
	"checkinbot/internal/portal"
	"checkinbot/internal/recognizer"
	"checkinbot/internal/scheduler"
)

var ErrInvalid = errors.New("invalid configuration")

// Environment variables that override the file.
const (
	EnvToken = "CHECKINBOT_TOKEN"
	EnvAdmin = "CHECKINBOT_ADMIN"
	EnvDB    = "CHECKINBOT_DB"
)

type Config struct {
	Telegram   Telegram         `yaml:"telegram"`
	Portal     Portal           `yaml:"portal"`
	Recognizer Recognizer       `yaml:"recognizer"`
	Schedule   Schedule         `yaml:"schedule"`
	HTTP       HTTP             `yaml:"http"`
	DB         DB               `yaml:"db"`
	Accounts   []domain.Account `yaml:"accounts"`
}

type Telegram struct {
	Token       string `yaml:"token"`
	Admin       string `yaml:"admin"`
	APIEndpoint string `yaml:"api_endpoint"`
}

type Portal struct {
	LandingURL         string        `yaml:"landing_url"`
	CaptchaURL         string        `yaml:"captcha_url"`
	CheckinURL         string        `yaml:"checkin_url"`
	StayURL            string        `yaml:"stay_url"`
	UserAgent          string        `yaml:"user_agent"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	SuccessMarker      string        `yaml:"success_marker"`
}

type Recognizer struct {
	Kind          string        `yaml:"kind"` // http or exec
	Endpoint      string        `yaml:"endpoint"`
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Length        int           `yaml:"length"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

type Schedule struct {
	TimezoneOffsetHours int           `yaml:"timezone_offset_hours"`
	Hour                int           `yaml:"hour"`
	BaseMinute          int           `yaml:"base_minute"`
	Attempts            int           `yaml:"attempts"`
	BackoffMin          time.Duration `yaml:"backoff_min"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	Workers             int           `yaml:"workers"`
}

type HTTP struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

type DB struct {
	Path string `yaml:"path"`
}

// Default mirrors the portal and timings the bot has always used.
func Default() *Config {
	p := portal.DefaultConfig()
	return &Config{
		Portal: Portal{
			LandingURL:    p.LandingURL,
			CaptchaURL:    p.CaptchaURL,
			CheckinURL:    p.CheckinURL,
			UserAgent:     p.UserAgent,
			Timeout:       p.Timeout,
			SuccessMarker: p.SuccessMarker,
		},
		Recognizer: Recognizer{
			Kind:          "http",
			Endpoint:      "http://127.0.0.1:8500/predict",
			Length:        recognizer.DefaultLength,
			MaxConcurrent: 4,
			Timeout:       30 * time.Second,
		},
		Schedule: Schedule{
			TimezoneOffsetHours: 8,
			Hour:                scheduler.DefaultHour,
			BaseMinute:          scheduler.DefaultBaseMinute,
			Attempts:            checkin.DefaultAttempts,
			BackoffMin:          checkin.DefaultBackoffMin,
			BackoffMax:          checkin.DefaultBackoffMax,
			Workers:             8,
		},
		HTTP: HTTP{Addr: ":8080"},
		DB:   DB{Path: "checkinbot.db"},
	}
}

// Load reads path over the defaults, then applies a .env file from the
// working directory (if any) and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	for i := range cfg.Accounts {
		cfg.Accounts[i] = cfg.Accounts[i].WithDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv(EnvAdmin); v != "" {
		c.Telegram.Admin = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		c.DB.Path = v
	}
}

func (c *Config) Validate() error {
	s := c.Schedule
	if s.BaseMinute < 0 || s.BaseMinute > 59 {
		return fmt.Errorf("%w: schedule.base_minute %d outside 0-59", ErrInvalid, s.BaseMinute)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: schedule.hour %d outside 0-23", ErrInvalid, s.Hour)
	}
	if s.BackoffMin > s.BackoffMax {
		return fmt.Errorf("%w: schedule.backoff_min exceeds backoff_max", ErrInvalid)
	}
	switch c.Recognizer.Kind {
	case "http":
		if c.Recognizer.Endpoint == "" {
			return fmt.Errorf("%w: recognizer.endpoint is required", ErrInvalid)
		}
	case "exec":
		if c.Recognizer.Command == "" {
			return fmt.Errorf("%w: recognizer.command is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown recognizer kind %q", ErrInvalid, c.Recognizer.Kind)
	}

	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" || a.Secret == "" {
			return fmt.Errorf("%w: accounts[%d] needs id and secret", ErrInvalid, i)
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate account %q", ErrInvalid, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Location is the zone daily triggers are expressed in.
func (s Schedule) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", s.TimezoneOffsetHours), s.TimezoneOffsetHours*60*60)
}

func (p Portal) ClientConfig() portal.Config {
	return portal.Config{
		LandingURL:         p.LandingURL,
		CaptchaURL:         p.CaptchaURL,
		CheckinURL:         p.CheckinURL,
		StayURL:            p.StayURL,
		UserAgent:          p.UserAgent,
		Timeout:            p.Timeout,
		InsecureSkipVerify: p.InsecureSkipVerify,
		RequestsPerSecond:  p.RequestsPerSecond,
		SuccessMarker:      p.SuccessMarker,
	}
}

// Build returns the recognizer backend wrapped in a validating adapter.
func (r Recognizer) Build() *recognizer.Adapter {
	var backend recognizer.Recognizer
	if r.Kind == "exec" {
		backend = recognizer.Exec{Command: r.Command, Args: r.Args}
	} else {
		backend = recognizer.NewHTTP(r.Endpoint, r.Timeout)
	}
	return recognizer.NewAdapter(backend, r.Length, r.MaxConcurrent)
}
