package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Cxiyuan/NTA/logger"
	"github.com/Cxiyuan/NTA/util"

	"github.com/go-playground/validator/v10"
	"github.com/hjson/hjson-go/v4"
	"github.com/spf13/afero"
)

var Version string

const DefaultConfigPath = "./config.hjson"

var errReadingConfigFile = errors.New("encountered an error while reading the config file")

type (
	Config struct {
		Env       Env       `json:"env"`
		Detection Detection `json:"detection" validate:"required"`
		Graph     Graph     `json:"graph" validate:"required"`
		Baseline  Baseline  `json:"baseline" validate:"required"`
		Intel     Intel     `json:"threat_intel"`
		Fusion    Fusion    `json:"fusion" validate:"required"`
		Sink      Sink      `json:"alerting" validate:"required"`
		Pipeline  Pipeline  `json:"pipeline" validate:"required"`
		Filtering Filtering `json:"filtering" validate:"required"`
	}

	Env struct { // set by environment variables
		LogLevel       int8   `validate:"min=-1,max=6"` // LOG_LEVEL
		StateDirectory string // STATE_DIR; holds graph/baseline/intel/model artifacts
	}

	// Detection holds the thresholds for the rule-based lateral movement detectors
	Detection struct {
		ScanThreshold        int      `json:"scan_threshold" validate:"gte=2"`
		AuthFailThreshold    int      `json:"auth_fail_threshold" validate:"gte=2"`
		HashReuseThreshold   int      `json:"hash_reuse_threshold" validate:"gte=2"`
		AdminShareThreshold  int      `json:"admin_share_threshold" validate:"gte=2"`
		WMIEndpointThreshold int      `json:"wmi_endpoint_threshold" validate:"gte=2"`
		RDPTargetThreshold   int      `json:"rdp_target_threshold" validate:"gte=2"`
		AdminPorts           []uint16 `json:"admin_ports" validate:"required,gt=0"`
		MaxTrackedEntries    int      `json:"max_tracked_entries" validate:"gte=100"`
	}

	Graph struct {
		FanoutThreshold      int      `json:"fanout_threshold" validate:"gte=2"`
		MinHops              int      `json:"min_hops" validate:"gte=2"`
		MaxHops              int      `json:"max_hops" validate:"gtefield=MinHops"`
		RarityThreshold      float64  `json:"rarity_threshold" validate:"gte=0,lte=1"`
		BetweennessThreshold float64  `json:"betweenness_threshold" validate:"gte=0,lte=1"`
		MaxCycleLength       int      `json:"max_cycle_length" validate:"gte=3"`
		MaxCycles            int      `json:"max_cycles" validate:"gte=1"`
		NormalPaths          []string `json:"normal_paths"` // "src->dst" allowlist entries
	}

	Baseline struct {
		ZScoreLimit       float64 `json:"z_score_limit" validate:"gt=0"`
		AnomalyScoreLimit float64 `json:"anomaly_score_limit" validate:"gt=0"`
		MinHourlySamples  uint64  `json:"min_hourly_samples" validate:"gte=1"`
	}

	Intel struct {
		OnlineFeeds     []string `json:"online_feeds" validate:"omitempty,dive,url"`
		CacheTTLHours   int      `json:"cache_ttl_hours" validate:"gte=1"`
		FeedTimeoutSecs int      `json:"feed_timeout_seconds" validate:"gte=1"`
		RefreshMinutes  int      `json:"refresh_minutes" validate:"gte=1"`
	}

	Fusion struct {
		Prior                 float64             `json:"prior" validate:"gt=0,lt=1"`
		VIPHosts              []string            `json:"vip_hosts" validate:"omitempty,dive,ip"`
		CriticalServers       []string            `json:"critical_servers" validate:"omitempty,dive,ip"`
		RepeatOffenderCount   int                 `json:"repeat_offender_count" validate:"gte=1"`
		HistoryWindowHours    int                 `json:"history_window_hours" validate:"gte=1"`
		AccuracyOverrides     map[string]Accuracy `json:"accuracy_overrides" validate:"omitempty,dive"`
		WeightOverrides       map[string]float64  `json:"weight_overrides" validate:"omitempty,dive,gte=0"`
		AlertScoreThreshold   float64             `json:"alert_score_threshold" validate:"gte=0,lte=1"`
		MinTriggeredDetectors int                 `json:"min_triggered_detectors" validate:"gte=1"`
	}

	// Accuracy holds a true/false positive rate pair used to override the
	// built-in per-detector constants in the fusion engine
	Accuracy struct {
		TPR float64 `json:"tpr" validate:"gt=0,lt=1"`
		FPR float64 `json:"fpr" validate:"gt=0,lt=1"`
	}

	Sink struct {
		QueueSize           int `json:"queue_size" validate:"gte=1"`
		RatePerSecond       int `json:"rate_per_second" validate:"gte=1"`
		MaxRetryElapsedSecs int `json:"max_retry_elapsed_seconds" validate:"gte=1"`
		DeliveryTimeoutSecs int `json:"delivery_timeout_seconds" validate:"gte=1"`
		FlushDeadlineSecs   int `json:"flush_deadline_seconds" validate:"gte=1"`
		DedupeWindowMinutes int `json:"dedupe_window_minutes" validate:"gte=1"`
	}

	Pipeline struct {
		WorkerLanes   int `json:"worker_lanes" validate:"gte=1,lte=256"`
		ChannelBuffer int `json:"channel_buffer" validate:"gte=1"`
	}

	Filtering struct {
		// subnets do not need a validate tag because they are validated when they are unmarshalled
		InternalSubnets []util.Subnet `json:"internal_subnets" validate:"required,gt=0"`
	}
)

// ReadFileConfig attempts to read the config file at the specified path and
// returns a config object
func ReadFileConfig(afs afero.Fs, path string) (*Config, error) {
	// read the config file
	contents, err := util.GetFileContents(afs, path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := unmarshal(contents, &cfg, nil); err != nil {
		return nil, fmt.Errorf("%w, located by default at '%s', please correct the issue in the config and try again:\n\t- %w", errReadingConfigFile, path, err)
	}

	return &cfg, nil
}

// LoadConfig reads the config file at the given path, falling back to the
// default configuration when the file does not exist
func LoadConfig(afs afero.Fs, path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	exists, err := afero.Exists(afs, path)
	if err != nil {
		return nil, err
	}

	if !exists {
		cfg := GetDefaultConfig()
		if err := cfg.setEnv(); err != nil {
			return nil, fmt.Errorf("unable to set environment: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	return ReadFileConfig(afs, path)
}

// ReadConfigFromMemory reads the config from bytes already read into memory as opposed to reading from a file
// It also provides its own environment struct that must already be completely set
func ReadConfigFromMemory(data []byte, env Env) (*Config, error) {
	var cfg Config
	if err := unmarshal(data, &cfg, &env); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setEnv() error {
	// get the log level
	logLevelStr := os.Getenv("LOG_LEVEL")
	if logLevelStr != "" {
		logLevel, err := strconv.Atoi(logLevelStr)
		if err != nil {
			return fmt.Errorf("unable to convert LOG_LEVEL to int: %w", err)
		}
		c.Env.LogLevel = int8(logLevel)
	}

	stateDir := os.Getenv("STATE_DIR")
	if stateDir == "" {
		stateDir = "./state"
	}
	stateDirFull, err := filepath.Abs(stateDir)
	if err != nil {
		return fmt.Errorf("unable to get absolute path to STATE_DIR environment variable: %s, err: %w", stateDir, err)
	}
	c.Env.StateDirectory = stateDirFull
	return nil
}

// unmarshal unmarshals the data into the config struct, sets the environment variables, and validates the values
func unmarshal(data []byte, cfg *Config, env *Env) error {
	// unmarshal the HJSON config file
	if err := hjson.Unmarshal(data, &cfg); err != nil {
		return err
	}

	// set the environment struct
	// this MUST be done before validating the values
	if env == nil {
		// set the environment variables from the actual environment
		if err := cfg.setEnv(); err != nil {
			return fmt.Errorf("unable to set environment: %w", err)
		}
	} else {
		// set the environment variables from the provided environment struct
		cfg.Env = *env
	}

	// validate values
	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON unmarshals the JSON bytes into the config struct
// overrides the default unmarshalling method to allow for custom parsing
func (c *Config) UnmarshalJSON(bytes []byte) error {
	// create temporary config struct to unmarshal into
	// not doing this would result in an infinite unmarshalling loop
	type tmpConfig Config
	defaultCfg := GetDefaultConfig()

	// set the default config to a variable of the temporary type
	tmpCfg := tmpConfig(defaultCfg)

	// unmarshal json into the default config struct
	err := hjson.Unmarshal(bytes, &tmpCfg)
	if err != nil {
		return err
	}

	// convert the temporary config struct to a config struct
	cfg := Config(tmpCfg)

	// clean up internal subnets
	cfg.Filtering.InternalSubnets = util.CompactSubnets(cfg.Filtering.InternalSubnets)

	// set the new config values
	*c = cfg

	return nil
}

// GetDefaultConfig returns a Config object with default values
func GetDefaultConfig() Config {
	// set version to dev if not set
	if Version == "" {
		Version = "dev"
	}

	return defaultConfig()
}

// Validate validates the config struct values
func (cfg *Config) Validate() error {
	zlog := logger.GetLogger()
	zlog.Debug().Interface("config", cfg).Msg("validating config")

	// create a new validator
	validate, err := NewValidator()
	if err != nil {
		return err
	}

	// validate the config struct
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	return nil
}

// NewValidator creates a new validator with custom validation rules
func NewValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// a fusion config must keep its blend reachable: the alert threshold may not
	// sit above the BLOCK_IMMEDIATELY rung
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		value := sl.Current().Interface().(Fusion)
		if value.AlertScoreThreshold > 0.9999 {
			sl.ReportError(value.AlertScoreThreshold, "AlertScoreThreshold", "Fusion", "alert_score_threshold", "")
		}
	}, Fusion{})

	return v, nil
}

// CheckIfInternal returns whether an IP is part of the configured internal subnets
func (f *Filtering) CheckIfInternal(ip net.IP) bool {
	for _, subnet := range f.InternalSubnets {
		if subnet.IPNet != nil && subnet.Contains(ip.To16()) {
			return true
		}
	}
	return false
}

// AddrIsInternal reports whether a string address falls in the configured
// internal subnets. Loopback and link-local addresses never count, and
// unparseable input is treated as external.
func (f *Filtering) AddrIsInternal(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return f.CheckIfInternal(ip)
}

// return a copy of the default config object
func defaultConfig() Config {
	internalSubnets, err := util.NewSubnetList([]string{
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
	})
	if err != nil {
		panic(fmt.Sprintf("error defining default internal subnets: %v", err))
	}

	return Config{
		Detection: Detection{
			ScanThreshold:        20,
			AuthFailThreshold:    5,
			HashReuseThreshold:   3,
			AdminShareThreshold:  2,
			WMIEndpointThreshold: 2,
			RDPTargetThreshold:   5,
			AdminPorts:           []uint16{135, 139, 445, 3389, 22, 5985, 5986},
			MaxTrackedEntries:    100000,
		},
		Graph: Graph{
			FanoutThreshold:      20,
			MinHops:              3,
			MaxHops:              6,
			RarityThreshold:      0.95,
			BetweennessThreshold: 0.1,
			MaxCycleLength:       8,
			MaxCycles:            1000,
			NormalPaths:          []string{},
		},
		Baseline: Baseline{
			ZScoreLimit:       3,
			AnomalyScoreLimit: 10,
			MinHourlySamples:  10,
		},
		Intel: Intel{
			OnlineFeeds:     []string{},
			CacheTTLHours:   24,
			FeedTimeoutSecs: 10,
			RefreshMinutes:  60,
		},
		Fusion: Fusion{
			Prior:                 0.001,
			VIPHosts:              []string{"10.0.1.1", "10.0.2.1"},
			CriticalServers:       []string{"10.0.3.1", "10.0.3.2"},
			RepeatOffenderCount:   3,
			HistoryWindowHours:    24,
			AlertScoreThreshold:   0.90,
			MinTriggeredDetectors: 2,
		},
		Sink: Sink{
			QueueSize:           1000,
			RatePerSecond:       50,
			MaxRetryElapsedSecs: 60,
			DeliveryTimeoutSecs: 10,
			FlushDeadlineSecs:   30,
			DedupeWindowMinutes: 1,
		},
		Pipeline: Pipeline{
			WorkerLanes:   4,
			ChannelBuffer: 1000,
		},
		Filtering: Filtering{
			InternalSubnets: internalSubnets,
		},
	}
}
