package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coilwinder/common/file"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// Serial describes how to reach the winder.
type Serial struct {
	Port            string        `toml:"port" yaml:"port"`
	Baud            int           `toml:"baud" yaml:"baud"`
	ReadTimeout     time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	VendorID        int           `toml:"vendor_id" yaml:"vendor_id"`
	SettleDelay     time.Duration `toml:"settle_delay" yaml:"settle_delay"`
	MaxAttempts     int           `toml:"max_attempts" yaml:"max_attempts"`
	PollInterval    time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	OperatorTimeout time.Duration `toml:"operator_timeout" yaml:"operator_timeout"`
}

// MachineConfig holds the physical limits and mechanical ratios of one
// winder. It is passed by value and never modified after validation.
type MachineConfig struct {
	XMin            float64 `toml:"x_min" yaml:"x_min"`
	XMax            float64 `toml:"x_max" yaml:"x_max"`
	TurnsMin        float64 `toml:"turns_min" yaml:"turns_min"`
	TurnsMax        float64 `toml:"turns_max" yaml:"turns_max"`
	MaxRelativeMove float64 `toml:"max_relative_move" yaml:"max_relative_move"`
	Microsteps      float64 `toml:"microsteps" yaml:"microsteps"`
	StepsPerRev     float64 `toml:"steps_per_rev" yaml:"steps_per_rev"`
	StepsPerMM      float64 `toml:"steps_per_mm" yaml:"steps_per_mm"`
	FeedRateMin     float64 `toml:"feed_rate_min" yaml:"feed_rate_min"`
	FeedRateMax     float64 `toml:"feed_rate_max" yaml:"feed_rate_max"`
	FeedPercentMin  float64 `toml:"feed_percent_min" yaml:"feed_percent_min"`
	FeedPercentMax  float64 `toml:"feed_percent_max" yaml:"feed_percent_max"`
}

// Job is the geometry and sequencing of one winding run.
type Job struct {
	Layers         int     `toml:"layers" yaml:"layers"`
	TurnsPerLayer  int     `toml:"turns_per_layer" yaml:"turns_per_layer"`
	WireDiameter   float64 `toml:"wire_diameter" yaml:"wire_diameter"`
	XStart         float64 `toml:"x_start" yaml:"x_start"`
	TurnsPerStep   float64 `toml:"turns_per_step" yaml:"turns_per_step"`
	FeedRate       float64 `toml:"feed_rate" yaml:"feed_rate"`
	PrepareMessage string  `toml:"prepare_message" yaml:"prepare_message"`
	Preamble       string  `toml:"preamble" yaml:"preamble"`
	Postamble      string  `toml:"postamble" yaml:"postamble"`
	Checkpoint     string  `toml:"checkpoint" yaml:"checkpoint"`
	FinishEachStep bool    `toml:"finish_each_step" yaml:"finish_each_step"`
}

type Log struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	Color      bool   `toml:"color" yaml:"color"`
	MaxSize    int    `toml:"max_size" yaml:"max_size"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAge     int    `toml:"max_age" yaml:"max_age"`
}

type Config struct {
	Serial  Serial        `toml:"serial" yaml:"serial"`
	Machine MachineConfig `toml:"machine" yaml:"machine"`
	Job     Job           `toml:"job" yaml:"job"`
	Log     Log           `toml:"log" yaml:"log"`
}

// CH340 USB-serial bridge used on the winder board.
const DefaultVendorID = 0x1a86

func DefaultMachine() MachineConfig {
	return MachineConfig{
		XMin:            0,
		XMax:            100,
		TurnsMin:        -1000,
		TurnsMax:        1000,
		MaxRelativeMove: 200,
		Microsteps:      16,
		StepsPerRev:     200,
		StepsPerMM:      93,
		FeedRateMin:     1,
		FeedRateMax:     20000,
		FeedPercentMin:  10,
		FeedPercentMax:  500,
	}
}

func Default() Config {
	return Config{
		Serial: Serial{
			Baud:        115200,
			ReadTimeout: time.Second,
			VendorID:    DefaultVendorID,
			SettleDelay: time.Second,
			MaxAttempts: 1000,
		},
		Machine: DefaultMachine(),
		Job: Job{
			Layers:         10,
			TurnsPerLayer:  12,
			WireDiameter:   0.85,
			XStart:         25,
			TurnsPerStep:   1,
			FeedRate:       10000,
			PrepareMessage: "Prepare Wire. Press Continue when Ready.",
			Preamble:       "G0 Z10\nG0 Y10",
			FinishEachStep: true,
		},
		Log: Log{
			Level:      "info",
			Color:      true,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads a TOML or YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	path = file.ExpandUser(path)
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(content), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config %s: unknown option %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("config %s: unsupported format %q", path, filepath.Ext(path))
	}

	cfg.Log.File = file.ExpandUser(cfg.Log.File)
	cfg.Job.Checkpoint = file.ExpandUser(cfg.Job.Checkpoint)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func checkRange(name string, min, max float64) error {
	var err error
	if !finite(min) || !finite(max) {
		err = multierr.Append(err, fmt.Errorf("%s bounds must be finite, got [%v, %v]", name, min, max))
	} else if min > max {
		err = multierr.Append(err, fmt.Errorf("%s min %v is above max %v", name, min, max))
	}
	return err
}

func checkPositive(name string, v float64) error {
	if !finite(v) || v <= 0 {
		return fmt.Errorf("%s must be a positive number, got %v", name, v)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate reports every violated invariant at once.
func (m MachineConfig) Validate() error {
	return multierr.Combine(
		checkRange("x", m.XMin, m.XMax),
		checkRange("turns", m.TurnsMin, m.TurnsMax),
		checkRange("feed_rate", m.FeedRateMin, m.FeedRateMax),
		checkRange("feed_percent", m.FeedPercentMin, m.FeedPercentMax),
		checkPositive("max_relative_move", m.MaxRelativeMove),
		checkPositive("microsteps", m.Microsteps),
		checkPositive("steps_per_rev", m.StepsPerRev),
		checkPositive("steps_per_mm", m.StepsPerMM),
	)
}

func (s Serial) Validate() error {
	var err error
	if s.Baud <= 0 {
		err = multierr.Append(err, fmt.Errorf("baud must be positive, got %d", s.Baud))
	}
	if s.ReadTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("read_timeout must be positive, got %s", s.ReadTimeout))
	}
	if s.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_attempts must be positive, got %d", s.MaxAttempts))
	}
	if s.SettleDelay < 0 || s.PollInterval < 0 || s.OperatorTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("serial delays must not be negative"))
	}
	return err
}

func (j Job) Validate() error {
	var err error
	if j.Layers < 0 || j.TurnsPerLayer < 0 {
		err = multierr.Append(err, fmt.Errorf("layers and turns_per_layer must not be negative"))
	}
	if e := checkPositive("wire_diameter", j.WireDiameter); e != nil {
		err = multierr.Append(err, e)
	}
	if e := checkPositive("turns_per_step", j.TurnsPerStep); e != nil {
		err = multierr.Append(err, e)
	}
	if !finite(j.XStart) {
		err = multierr.Append(err, fmt.Errorf("x_start must be finite"))
	}
	return err
}

func (c Config) Validate() error {
	return multierr.Combine(c.Serial.Validate(), c.Machine.Validate(), c.Job.Validate())
}
