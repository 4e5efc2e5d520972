// Package config loads the HCL run configuration. A missing file
// yields the defaults; a present file is decoded and then padded with
// defaults for anything it leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// APIKeyEnv is the environment variable holding the OCR service
// credential. Credentials never live in the config file.
const APIKeyEnv = "HANDLENS_OCR_API_KEY"

// Tier names for the OCR service plan.
const (
	TierRestricted   = "restricted"
	TierUnrestricted = "unrestricted"
)

// Config represents the complete run configuration
type Config struct {
	OCR     OCRSettings     `hcl:"ocr,block"`
	Tiers   []TierSettings  `hcl:"tier,block"`
	Match   MatchSettings   `hcl:"match,block"`
	Mapping MappingSettings `hcl:"mapping,block"`
	Output  OutputSettings  `hcl:"output,block"`
	Log     LogSettings     `hcl:"log,block"`
}

// OCRSettings contains OCR service connection and retry configuration
type OCRSettings struct {
	Endpoint       string `hcl:"endpoint,optional"`
	TimeoutSecs    int    `hcl:"timeout_seconds,optional"`
	MaxAttempts    int    `hcl:"max_attempts,optional"`
	InitialBackoff string `hcl:"initial_backoff,optional"`
	MaxBackoff     string `hcl:"max_backoff,optional"`
}

// TierSettings defines the call envelope for one service tier
type TierSettings struct {
	Name        string `hcl:"name,label"`
	Concurrency int    `hcl:"concurrency,optional"`
	WindowSecs  int    `hcl:"window_seconds,optional"`
	Budget      int    `hcl:"budget,optional"`
	Paced       bool   `hcl:"paced,optional"`
}

// MatchSettings tunes hand-screenshot matching
type MatchSettings struct {
	Threshold          int     `hcl:"threshold,optional"`
	WindowSecs         int     `hcl:"window_seconds,optional"`
	HeroStackTolerance float64 `hcl:"hero_stack_tolerance,optional"`
	StackTolerance     float64 `hcl:"stack_tolerance,optional"`
	StackMinFraction   float64 `hcl:"stack_min_fraction,optional"`
}

// MappingSettings tunes truncated-name completion
type MappingSettings struct {
	FuzzyThreshold float64 `hcl:"fuzzy_threshold,optional"`
}

// OutputSettings controls where results land
type OutputSettings struct {
	Dir          string `hcl:"dir,optional"`
	DatabasePath string `hcl:"database_path,optional"`
}

// LogSettings contains logging configuration
type LogSettings struct {
	Level string `hcl:"level,optional"`
	File  string `hcl:"file,optional"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		OCR: OCRSettings{
			TimeoutSecs:    30,
			MaxAttempts:    3,
			InitialBackoff: "1s",
			MaxBackoff:     "8s",
		},
		Tiers: []TierSettings{
			{Name: TierRestricted, Concurrency: 1, WindowSecs: 60, Budget: 14, Paced: true},
			{Name: TierUnrestricted, Concurrency: 10},
		},
		Match: MatchSettings{
			Threshold:          70,
			WindowSecs:         120,
			HeroStackTolerance: 0.25,
			StackTolerance:     0.30,
			StackMinFraction:   0.5,
		},
		Mapping: MappingSettings{
			FuzzyThreshold: 0.70,
		},
		Output: OutputSettings{
			Dir:          "out",
			DatabasePath: "handlens.db",
		},
		Log: LogSettings{
			Level: "info",
			File:  "handlens.log",
		},
	}
}

// LoadConfig loads configuration from an HCL file
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config Config
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	applyDefaults(&config)
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(config *Config) {
	def := DefaultConfig()

	if config.OCR.TimeoutSecs == 0 {
		config.OCR.TimeoutSecs = def.OCR.TimeoutSecs
	}
	if config.OCR.MaxAttempts == 0 {
		config.OCR.MaxAttempts = def.OCR.MaxAttempts
	}
	if config.OCR.InitialBackoff == "" {
		config.OCR.InitialBackoff = def.OCR.InitialBackoff
	}
	if config.OCR.MaxBackoff == "" {
		config.OCR.MaxBackoff = def.OCR.MaxBackoff
	}

	if len(config.Tiers) == 0 {
		config.Tiers = def.Tiers
	}
	for i := range config.Tiers {
		if config.Tiers[i].Concurrency == 0 {
			config.Tiers[i].Concurrency = 1
		}
		if config.Tiers[i].Paced && config.Tiers[i].WindowSecs == 0 {
			config.Tiers[i].WindowSecs = 60
		}
	}

	if config.Match.Threshold == 0 {
		config.Match.Threshold = def.Match.Threshold
	}
	if config.Match.WindowSecs == 0 {
		config.Match.WindowSecs = def.Match.WindowSecs
	}
	if config.Match.HeroStackTolerance == 0 {
		config.Match.HeroStackTolerance = def.Match.HeroStackTolerance
	}
	if config.Match.StackTolerance == 0 {
		config.Match.StackTolerance = def.Match.StackTolerance
	}
	if config.Match.StackMinFraction == 0 {
		config.Match.StackMinFraction = def.Match.StackMinFraction
	}

	if config.Mapping.FuzzyThreshold == 0 {
		config.Mapping.FuzzyThreshold = def.Mapping.FuzzyThreshold
	}

	if config.Output.Dir == "" {
		config.Output.Dir = def.Output.Dir
	}
	if config.Output.DatabasePath == "" {
		config.Output.DatabasePath = def.Output.DatabasePath
	}

	if config.Log.Level == "" {
		config.Log.Level = def.Log.Level
	}
	if config.Log.File == "" {
		config.Log.File = def.Log.File
	}
}

func validate(config *Config) error {
	if _, err := time.ParseDuration(config.OCR.InitialBackoff); err != nil {
		return fmt.Errorf("invalid initial_backoff: %w", err)
	}
	if _, err := time.ParseDuration(config.OCR.MaxBackoff); err != nil {
		return fmt.Errorf("invalid max_backoff: %w", err)
	}
	for _, tier := range config.Tiers {
		if tier.Name != TierRestricted && tier.Name != TierUnrestricted {
			return fmt.Errorf("unknown tier %q", tier.Name)
		}
		if tier.Paced && tier.Budget <= 0 {
			return fmt.Errorf("tier %q is paced but has no budget", tier.Name)
		}
	}
	return nil
}

// Tier returns the settings for the named tier.
func (c *Config) Tier(name string) (TierSettings, error) {
	for _, tier := range c.Tiers {
		if tier.Name == name {
			return tier, nil
		}
	}
	return TierSettings{}, fmt.Errorf("tier %q not configured", name)
}

// APIKey reads the OCR credential from the environment.
func APIKey() (string, error) {
	key := os.Getenv(APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s is not set", APIKeyEnv)
	}
	return key, nil
}

// InitialBackoffDuration returns the parsed retry backoff floor.
func (o OCRSettings) InitialBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(o.InitialBackoff)
	return d
}

// MaxBackoffDuration returns the parsed retry backoff ceiling.
func (o OCRSettings) MaxBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(o.MaxBackoff)
	return d
}

// Timeout returns the per-call OCR timeout.
func (o OCRSettings) Timeout() time.Duration {
	return time.Duration(o.TimeoutSecs) * time.Second
}
