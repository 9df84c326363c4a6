package timewheel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must be >= 0", raw)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// TierConfig is the file form of Tier.
type TierConfig struct {
	Range Duration `yaml:"range"`
	Slot  Duration `yaml:"slot"`
	Check Duration `yaml:"check"`
}

// Config is the file form of the wheel options.
//
//	tiers:
//	  - {range: 10s, slot: 1ms, check: 1ms}
//	  - {range: 10m, slot: 100ms, check: 100ms}
//	idle_poll: 1m
//	log_level: info
type Config struct {
	Tiers    []TierConfig `yaml:"tiers"`
	IdlePoll Duration     `yaml:"idle_poll"`
	LogLevel string       `yaml:"log_level"`
}

// ParseConfig decodes YAML. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the tier list. An empty list means the default tiers.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return nil
	}
	return validateTiers(c.tiers())
}

func (c Config) tiers() []Tier {
	tiers := make([]Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		check := time.Duration(t.Check)
		if check <= 0 {
			check = time.Duration(t.Slot)
		}
		tiers = append(tiers, Tier{
			Range: time.Duration(t.Range),
			Slot:  time.Duration(t.Slot),
			Check: check,
		})
	}
	return tiers
}

// Options converts the config into wheel options. The logger is not part of
// it; callers build one from LogLevel with NewConsoleLogger.
func (c Config) Options() []Option {
	return []Option{
		WithTiers(c.tiers()...),
		WithIdlePoll(time.Duration(c.IdlePoll)),
	}
}
