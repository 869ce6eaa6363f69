package params

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Position is a point in venue units. The venue is nominally 100x100
// units with the stage position configurable (default: center front).
type Position struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Consensus holds the tuning knobs of the voting algorithm.
type Consensus struct {
	TickPeriod       time.Duration // scheduler cadence (default 50ms -> 20Hz)
	TemporalWindow   time.Duration // input buffer window
	TemporalDecay    float64       // beta
	SpatialDecay     float64       // alpha
	ClusterThreshold float64
	OutlierThreshold float64 // z-score cutoff
	SmoothingFactor  float64 // default per-parameter smoothing

	// Weight mix. Must sum to ~1.
	SpatialAlpha   float64
	TemporalBeta   float64
	ConsensusGamma float64

	StagePosition Position
}

// Session holds admission and rate-limit settings.
type Session struct {
	IdleTimeout    time.Duration
	GracePeriod    time.Duration
	RateLimitHz    float64
	RateLimitBurst int
}

// Bus holds parameter-bus settings.
type Bus struct {
	SubscriberQueueSize int
}

// OSC holds the downstream protocol bridge settings.
type OSC struct {
	Enabled    bool
	Prefix     string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// ParameterSeed declares a parameter registered at startup.
type ParameterSeed struct {
	Name      string  `yaml:"name"`
	Mode      string  `yaml:"mode"` // "average", "median", "majority"
	Default   float64 `yaml:"default"`
	Smoothing float64 `yaml:"smoothing"`
}

type Config struct {
	ListenAddr     string
	LogFile        string // when set, logs tee to console and this file
	PerformerToken string
	Consensus      Consensus
	Session        Session
	Bus            Bus
	OSC            OSC
	Parameters     []ParameterSeed
}

func Default() Config {
	return Config{
		ListenAddr: ":8090",
		Consensus: Consensus{
			TickPeriod:       50 * time.Millisecond,
			TemporalWindow:   5 * time.Second,
			TemporalDecay:    1.5,
			SpatialDecay:     2.0,
			ClusterThreshold: 0.15,
			OutlierThreshold: 2.5,
			SmoothingFactor:  0.3,
			SpatialAlpha:     0.4,
			TemporalBeta:     0.4,
			ConsensusGamma:   0.2,
			StagePosition:    Position{X: 50, Y: 0},
		},
		Session: Session{
			IdleTimeout:    60 * time.Second,
			GracePeriod:    2 * time.Second,
			RateLimitHz:    20,
			RateLimitBurst: 40,
		},
		Bus: Bus{
			SubscriberQueueSize: 64,
		},
		OSC: OSC{
			Enabled:    false,
			Prefix:     "/crowdmix",
			LocalPort:  9000,
			RemoteHost: "127.0.0.1",
			RemotePort: 9001,
		},
		Parameters: []ParameterSeed{
			{Name: "mood", Mode: "average", Default: 0.5, Smoothing: 0.3},
			{Name: "tempo", Mode: "average", Default: 0.5, Smoothing: 0.3},
			{Name: "intensity", Mode: "average", Default: 0.5, Smoothing: 0.3},
			{Name: "density", Mode: "majority", Default: 0.5, Smoothing: 0.3},
		},
	}
}

// yamlConfig mirrors Config with durations written as integer
// milliseconds, which is how the recognized option names appear in
// config files. Pointer fields distinguish "absent" from zero.
type yamlConfig struct {
	ListenAddr     string `yaml:"listenAddr"`
	LogFile        string `yaml:"logFile"`
	PerformerToken string `yaml:"performerToken"`
	Consensus      struct {
		TickPeriodMs     *int64    `yaml:"tickPeriodMs"`
		TemporalWindowMs *int64    `yaml:"temporalWindowMs"`
		TemporalDecay    *float64  `yaml:"temporalDecayRate"`
		SpatialDecay     *float64  `yaml:"spatialDecayRate"`
		ClusterThreshold *float64  `yaml:"clusterThreshold"`
		OutlierThreshold *float64  `yaml:"outlierThreshold"`
		SmoothingFactor  *float64  `yaml:"smoothingFactor"`
		SpatialAlpha     *float64  `yaml:"spatialAlpha"`
		TemporalBeta     *float64  `yaml:"temporalBeta"`
		ConsensusGamma   *float64  `yaml:"consensusGamma"`
		StagePosition    *Position `yaml:"stagePosition"`
	} `yaml:"consensus"`
	Session struct {
		IdleTimeoutMs  *int64   `yaml:"sessionIdleTimeoutMs"`
		GracePeriodMs  *int64   `yaml:"gracePeriodMs"`
		RateLimitHz    *float64 `yaml:"rateLimitHz"`
		RateLimitBurst *int     `yaml:"rateLimitBurst"`
	} `yaml:"session"`
	Bus struct {
		SubscriberQueueSize *int `yaml:"subscriberQueueSize"`
	} `yaml:"bus"`
	OSC struct {
		Enabled    *bool   `yaml:"oscEnabled"`
		Prefix     *string `yaml:"oscPrefix"`
		LocalPort  *int    `yaml:"oscLocalPort"`
		RemoteHost *string `yaml:"oscRemoteHost"`
		RemotePort *int    `yaml:"oscRemotePort"`
	} `yaml:"osc"`
	Parameters []ParameterSeed `yaml:"parameters"`
}

// LoadFile merges a YAML config file into cfg. Unknown keys are a hard
// error: an operator finding out mid-show that a tuning knob was
// silently ignored is worse than refusing to start.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var yc yamlConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&yc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if yc.ListenAddr != "" {
		cfg.ListenAddr = yc.ListenAddr
	}
	if yc.LogFile != "" {
		cfg.LogFile = yc.LogFile
	}
	if yc.PerformerToken != "" {
		cfg.PerformerToken = yc.PerformerToken
	}
	setDur := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setDur(&cfg.Consensus.TickPeriod, yc.Consensus.TickPeriodMs)
	setDur(&cfg.Consensus.TemporalWindow, yc.Consensus.TemporalWindowMs)
	setF(&cfg.Consensus.TemporalDecay, yc.Consensus.TemporalDecay)
	setF(&cfg.Consensus.SpatialDecay, yc.Consensus.SpatialDecay)
	setF(&cfg.Consensus.ClusterThreshold, yc.Consensus.ClusterThreshold)
	setF(&cfg.Consensus.OutlierThreshold, yc.Consensus.OutlierThreshold)
	setF(&cfg.Consensus.SmoothingFactor, yc.Consensus.SmoothingFactor)
	setF(&cfg.Consensus.SpatialAlpha, yc.Consensus.SpatialAlpha)
	setF(&cfg.Consensus.TemporalBeta, yc.Consensus.TemporalBeta)
	setF(&cfg.Consensus.ConsensusGamma, yc.Consensus.ConsensusGamma)
	if yc.Consensus.StagePosition != nil {
		cfg.Consensus.StagePosition = *yc.Consensus.StagePosition
	}
	setDur(&cfg.Session.IdleTimeout, yc.Session.IdleTimeoutMs)
	setDur(&cfg.Session.GracePeriod, yc.Session.GracePeriodMs)
	setF(&cfg.Session.RateLimitHz, yc.Session.RateLimitHz)
	if yc.Session.RateLimitBurst != nil {
		cfg.Session.RateLimitBurst = *yc.Session.RateLimitBurst
	}
	if yc.Bus.SubscriberQueueSize != nil {
		cfg.Bus.SubscriberQueueSize = *yc.Bus.SubscriberQueueSize
	}
	if yc.OSC.Enabled != nil {
		cfg.OSC.Enabled = *yc.OSC.Enabled
	}
	if yc.OSC.Prefix != nil {
		cfg.OSC.Prefix = *yc.OSC.Prefix
	}
	if yc.OSC.LocalPort != nil {
		cfg.OSC.LocalPort = *yc.OSC.LocalPort
	}
	if yc.OSC.RemoteHost != nil {
		cfg.OSC.RemoteHost = *yc.OSC.RemoteHost
	}
	if yc.OSC.RemotePort != nil {
		cfg.OSC.RemotePort = *yc.OSC.RemotePort
	}
	if len(yc.Parameters) > 0 {
		cfg.Parameters = yc.Parameters
	}
	return nil
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables.
// Priority: ENV > config file (CROWDMIX_CONFIG) > defaults. Values from
// the .env file are loaded as environment variables (never replacing ones
// already set), so they rank with ENV and also override the config file.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if path := os.Getenv("CROWDMIX_CONFIG"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}
	if tok := os.Getenv("PERFORMER_TOKEN"); tok != "" {
		cfg.PerformerToken = tok
	}
	envMs := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if ms, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(ms) * time.Millisecond
			}
		}
	}
	envF := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	envMs("TICK_PERIOD_MS", &cfg.Consensus.TickPeriod)
	envMs("TEMPORAL_WINDOW_MS", &cfg.Consensus.TemporalWindow)
	envF("SMOOTHING_FACTOR", &cfg.Consensus.SmoothingFactor)
	envF("RATE_LIMIT_HZ", &cfg.Session.RateLimitHz)
	envMs("SESSION_IDLE_TIMEOUT_MS", &cfg.Session.IdleTimeout)
	if v := os.Getenv("OSC_ENABLED"); v != "" {
		cfg.OSC.Enabled = v == "true"
	}

	return cfg, nil
}

// Validate enforces the fatal error class: an invalid configuration
// refuses to run rather than degrade mid-performance.
func (c Config) Validate() error {
	if c.Consensus.TickPeriod <= 0 {
		return fmt.Errorf("tickPeriodMs must be positive, got %v", c.Consensus.TickPeriod)
	}
	if c.Consensus.TemporalWindow <= 0 {
		return fmt.Errorf("temporalWindowMs must be positive, got %v", c.Consensus.TemporalWindow)
	}
	if c.Consensus.SmoothingFactor < 0 || c.Consensus.SmoothingFactor > 1 {
		return fmt.Errorf("smoothingFactor must be in [0,1], got %v", c.Consensus.SmoothingFactor)
	}
	if c.Consensus.OutlierThreshold <= 0 {
		return fmt.Errorf("outlierThreshold must be positive, got %v", c.Consensus.OutlierThreshold)
	}
	if c.Consensus.ClusterThreshold <= 0 || c.Consensus.ClusterThreshold >= 1 {
		return fmt.Errorf("clusterThreshold must be in (0,1), got %v", c.Consensus.ClusterThreshold)
	}
	mix := c.Consensus.SpatialAlpha + c.Consensus.TemporalBeta + c.Consensus.ConsensusGamma
	if mix < 0.99 || mix > 1.01 {
		return fmt.Errorf("weight mix must sum to 1, got %v", mix)
	}
	if c.Session.RateLimitHz <= 0 || c.Session.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive, got %vHz burst %d", c.Session.RateLimitHz, c.Session.RateLimitBurst)
	}
	if c.Bus.SubscriberQueueSize <= 0 {
		return fmt.Errorf("subscriberQueueSize must be positive, got %d", c.Bus.SubscriberQueueSize)
	}
	if c.OSC.Enabled {
		if c.OSC.RemoteHost == "" || c.OSC.RemotePort <= 0 {
			return fmt.Errorf("osc enabled but remote %s:%d is not a valid target", c.OSC.RemoteHost, c.OSC.RemotePort)
		}
	}
	for _, p := range c.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		if p.Smoothing < 0 || p.Smoothing > 1 {
			return fmt.Errorf("parameter %s: smoothing must be in [0,1], got %v", p.Name, p.Smoothing)
		}
		if p.Default < 0 || p.Default > 1 {
			return fmt.Errorf("parameter %s: default %v outside [0,1]", p.Name, p.Default)
		}
	}
	return nil
}
