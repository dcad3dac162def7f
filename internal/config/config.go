package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"cronwatch/internal/models"
	"cronwatch/internal/runner"
)

var (
	// ErrNoCommands is returned when the configuration lists no commands.
	ErrNoCommands = errors.New("configuration must define at least one command")
	// ErrDuplicateCommand is returned when two commands share a name or id.
	ErrDuplicateCommand = errors.New("command is not unique")
	// ErrInvalidCommandID is returned for ids that are not lower-case slugs.
	ErrInvalidCommandID = errors.New("command id must contain only a-z, 0-9 and inner dashes")
)

var validate = validator.New()

// Config represents configuration data for a monitoring run.
type Config struct {
	Name           string               `yaml:"name" validate:"required"`
	HistoryFile    string               `yaml:"history_file" validate:"required"`
	OutputDir      string               `yaml:"output_dir" validate:"required"`
	MetricsFile    string               `yaml:"metrics_file"`
	Workers        int                  `yaml:"workers" validate:"gte=1,lte=256"`
	MaxOutputBytes int                  `yaml:"max_output_bytes" validate:"gte=0"`
	LockTimeout    Duration             `yaml:"lock_timeout" validate:"gte=0"`
	LogLevel       string               `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat      string               `yaml:"log_format" validate:"omitempty,oneof=json console"`
	Retention      Retention            `yaml:"retention"`
	Notifications  Notifications        `yaml:"notifications"`
	Commands       []models.CommandSpec `yaml:"commands" validate:"dive"`
}

// Retention caps the number of buckets kept per tier.
type Retention struct {
	Minutes int `yaml:"minutes" validate:"gte=1"`
	Hours   int `yaml:"hours" validate:"gte=1"`
	Days    int `yaml:"days" validate:"gte=1"`
}

// Notifications configures alerting on state changes.
type Notifications struct {
	Pushover                    *Pushover `yaml:"pushover" validate:"omitempty"`
	NotifyOnSuccessAfterFailure bool      `yaml:"notify_on_success_after_failure"`
	// RepeatInterval throttles "still failing" alerts. Zero disables them.
	RepeatInterval  Duration `yaml:"repeat_interval" validate:"gte=0"`
	DeliveryTimeout Duration `yaml:"delivery_timeout" validate:"gte=0"`
}

// Pushover holds credentials for the Pushover messages API.
type Pushover struct {
	User  string `yaml:"user" validate:"required"`
	Token string `yaml:"token" validate:"required"`
	URL   string `yaml:"url" validate:"omitempty,url"`
}

// Duration is a time.Duration decoded from strings such as "2h" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns defaults applied before the configuration file is decoded.
func DefaultConfig() Config {
	return Config{
		Name:           "cronwatch",
		HistoryFile:    filepath.Join(".dist", "data", "history.json"),
		OutputDir:      filepath.Join(".dist", "www"),
		Workers:        4,
		MaxOutputBytes: 64 << 10,
		LockTimeout:    Duration(30 * time.Second),
		LogLevel:       "info",
		LogFormat:      "json",
		Retention: Retention{
			Minutes: 60,
			Hours:   24,
			Days:    7,
		},
		Notifications: Notifications{
			DeliveryTimeout: Duration(10 * time.Second),
		},
	}
}

// Load reads and validates the yaml configuration file.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("configuration path is required")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(content)
}

// Parse decodes configuration content on top of the defaults and validates it.
func Parse(content []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaults.LockTimeout
	}
	if c.Notifications.DeliveryTimeout == 0 {
		c.Notifications.DeliveryTimeout = defaults.Notifications.DeliveryTimeout
	}
	for i := range c.Commands {
		cmd := &c.Commands[i]
		cmd.Name = strings.TrimSpace(cmd.Name)
		if cmd.ID == "" {
			cmd.ID = Slug(cmd.Name)
		}
		if cmd.ID == "" {
			cmd.ID = fmt.Sprintf("command-%d", i+1)
		}
		if cmd.TimeoutSeconds <= 0 {
			cmd.TimeoutSeconds = models.DefaultTimeoutSeconds
		}
	}
}

// Validate checks field rules and cross-command constraints.
func (c Config) Validate() error {
	if len(c.Commands) == 0 {
		return ErrNoCommands
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	names := make(map[string]struct{}, len(c.Commands))
	ids := make(map[string]struct{}, len(c.Commands))
	for _, cmd := range c.Commands {
		if _, ok := names[cmd.Name]; ok {
			return fmt.Errorf("%w: name %q", ErrDuplicateCommand, cmd.Name)
		}
		names[cmd.Name] = struct{}{}
		// Ids name report files, so they must stay inside the output directory.
		if Slug(cmd.ID) != cmd.ID {
			return fmt.Errorf("%w: %q", ErrInvalidCommandID, cmd.ID)
		}
		if _, ok := ids[cmd.ID]; ok {
			return fmt.Errorf("%w: id %q", ErrDuplicateCommand, cmd.ID)
		}
		ids[cmd.ID] = struct{}{}
		if err := runner.CheckSpec(cmd); err != nil {
			return fmt.Errorf("command %q: %w", cmd.Name, err)
		}
	}
	return nil
}

// CommandIDs returns the configured command ids in order.
func (c Config) CommandIDs() []string {
	ids := make([]string, 0, len(c.Commands))
	for _, cmd := range c.Commands {
		ids = append(ids, cmd.ID)
	}
	return ids
}

// Slug derives a file-name safe identifier from a display name.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
