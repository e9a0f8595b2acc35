package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cacheload/internal/chaos"
	"cacheload/internal/cycleclock"
	"cacheload/internal/dist"
	"cacheload/internal/scenario"
	"cacheload/internal/transport"
	"cacheload/internal/worker"

	"gopkg.in/yaml.v3"
)

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Scenario ScenarioConfig `yaml:"scenario" json:"scenario"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// ScenarioConfig はシナリオ設定
type ScenarioConfig struct {
	Preset         string `yaml:"preset" json:"preset"`
	Name           string `yaml:"name" json:"name"`
	Description    string `yaml:"description" json:"description"`
	Duration       string `yaml:"duration" json:"duration"`
	ReportInterval string `yaml:"report_interval" json:"report_interval"`

	Servers  ServersConfig  `yaml:"servers" json:"servers"`
	Client   ClientConfig   `yaml:"client" json:"client"`
	Workload WorkloadConfig `yaml:"workload" json:"workload"`
	Chaos    ChaosConfig    `yaml:"chaos" json:"chaos"`
	Recovery RecoveryConfig `yaml:"recovery" json:"recovery"`
}

// ServersConfig は接続先の設定
type ServersConfig struct {
	File      string   `yaml:"file" json:"file"`
	List      []string `yaml:"list" json:"list"`
	Mock      int      `yaml:"mock" json:"mock"`
	Transport string   `yaml:"transport" json:"transport"`
	Timeout   string   `yaml:"timeout" json:"timeout"`
	Nagle     bool     `yaml:"nagle" json:"nagle"`
}

// ClientConfig はクライアント設定
type ClientConfig struct {
	Workers     int    `yaml:"workers" json:"workers"`
	Connections int    `yaml:"connections" json:"connections"`
	RPS         *int   `yaml:"rps" json:"rps"` // 0はレイテンシ測定なので未指定と区別する
	Exponential bool   `yaml:"exponential" json:"exponential"`
	Batch       int    `yaml:"batch" json:"batch"`
	Preload     bool   `yaml:"preload" json:"preload"`
	PreloadRate int    `yaml:"preload_rate" json:"preload_rate"`
	Seed        *int64 `yaml:"seed" json:"seed"`
	PinCPUs     bool   `yaml:"pin_cpus" json:"pin_cpus"`
	Clock       string `yaml:"clock" json:"clock"`
	Retries     *int   `yaml:"reconnect_retries" json:"reconnect_retries"`
}

// WorkloadConfig はキー空間とリクエスト構成の設定
type WorkloadConfig struct {
	Keys          int         `yaml:"keys" json:"keys"`
	KeyPrefix     string      `yaml:"key_prefix" json:"key_prefix"`
	Popularity    string      `yaml:"popularity" json:"popularity"`
	HitOne        bool        `yaml:"hit_one" json:"hit_one"`
	ValueSize     int         `yaml:"value_size" json:"value_size"`
	ValueSizeFile string      `yaml:"value_size_file" json:"value_size_file"`
	MultiGetSize  int         `yaml:"multiget_size" json:"multiget_size"`
	MultiGetFile  string      `yaml:"multiget_file" json:"multiget_file"`
	Mix           *worker.Mix `yaml:"mix" json:"mix"`
	Trace         string      `yaml:"trace" json:"trace"`
	Scale         float64     `yaml:"scale" json:"scale"`
	Output        string      `yaml:"output" json:"output"`
}

// ChaosConfig はカオス設定
type ChaosConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Interval   string   `yaml:"interval" json:"interval"`
	Targets    int      `yaml:"targets" json:"targets"`
	Faults     []string `yaml:"faults" json:"faults"`
	SuspendFor string   `yaml:"suspend_for" json:"suspend_for"`
	Delay      string   `yaml:"delay" json:"delay"`
}

// RecoveryConfig は復旧設定
type RecoveryConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Delay      string `yaml:"delay" json:"delay"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// MonitorConfig はモニターサーバーの設定
type MonitorConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LogConfig はログ設定
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// ToScenarioConfig はFileConfigをscenario.Configに変換する
// presetが指定されていればそれを、なければデフォルト設定を土台にする
func (f *FileConfig) ToScenarioConfig() (scenario.Config, error) {
	base := scenario.DefaultConfig()
	if name := f.Scenario.Preset; name != "" {
		preset, ok := scenario.GetPreset(name)
		if !ok {
			return base, fmt.Errorf("unknown preset: %s", name)
		}
		base = preset
	}
	return f.Apply(base)
}

// Apply はファイルで指定された項目だけをbaseに上書きする
func (f *FileConfig) Apply(base scenario.Config) (scenario.Config, error) {
	sc := f.Scenario
	config := base
	var err error

	if sc.Name != "" {
		config.Name = sc.Name
	}
	if sc.Description != "" {
		config.Description = sc.Description
	}
	if err := parseDuration(sc.Duration, "duration", &config.Duration); err != nil {
		return config, err
	}
	if err := parseDuration(sc.ReportInterval, "report_interval", &config.ReportInterval); err != nil {
		return config, err
	}

	// 接続先
	srv := sc.Servers
	if srv.File != "" {
		config.ServerFile = srv.File
	}
	if len(srv.List) > 0 {
		config.Servers = append([]string(nil), srv.List...)
	}
	if srv.Mock > 0 {
		config.Mock = srv.Mock
	}
	if srv.Transport != "" {
		if config.Mode, err = transport.ParseMode(srv.Transport); err != nil {
			return config, err
		}
	}
	if err := parseDuration(srv.Timeout, "servers.timeout", &config.Transport.Timeout); err != nil {
		return config, err
	}
	if srv.Nagle {
		config.Transport.Nagle = true
	}

	// クライアント
	cl := sc.Client
	if cl.Workers > 0 {
		config.Workers = cl.Workers
	}
	if cl.Connections > 0 {
		config.Connections = cl.Connections
	}
	if cl.RPS != nil {
		config.RPS = *cl.RPS
	}
	if cl.Exponential {
		config.Exponential = true
	}
	if cl.Batch > 0 {
		config.Batch = cl.Batch
	}
	if cl.Preload {
		config.Preload = true
	}
	if cl.PreloadRate > 0 {
		config.PreloadRate = cl.PreloadRate
	}
	if cl.Seed != nil {
		config.Seed = *cl.Seed
	}
	if cl.PinCPUs {
		config.PinCPUs = true
	}
	if cl.Clock != "" {
		if config.Clock.Source, err = cycleclock.ParseSource(cl.Clock); err != nil {
			return config, err
		}
	}
	if cl.Retries != nil {
		config.Retry.MaxRetries = *cl.Retries
	}

	// ワークロード
	wl := sc.Workload
	if wl.Keys > 0 {
		config.Keys = wl.Keys
	}
	if wl.KeyPrefix != "" {
		config.KeyPrefix = wl.KeyPrefix
	}
	if wl.Popularity != "" {
		config.PopularityFile = wl.Popularity
	}
	if wl.HitOne {
		config.HitOne = true
	}
	if wl.ValueSize > 0 {
		config.ValueSize = wl.ValueSize
	}
	if wl.ValueSizeFile != "" {
		config.ValueSizeFile = wl.ValueSizeFile
		config.ValueSize = 0
	}
	if wl.MultiGetSize > 0 {
		config.MultiGetSize = wl.MultiGetSize
	}
	if wl.MultiGetFile != "" {
		config.MultiGetFile = wl.MultiGetFile
		config.MultiGetSize = 0
	}
	if wl.Mix != nil {
		config.Mix = *wl.Mix
	}
	if wl.Trace != "" {
		config.TraceFile = wl.Trace
	}
	if wl.Scale > 0 {
		config.Scale = wl.Scale
	}
	if wl.Output != "" {
		config.OutputFile = wl.Output
	}

	// Chaos設定
	ch := sc.Chaos
	if ch.Enabled {
		config.EnableChaos = true
	}
	if err := parseDuration(ch.Interval, "chaos.interval", &config.Chaos.Interval); err != nil {
		return config, err
	}
	if ch.Targets > 0 {
		config.Chaos.Targets = ch.Targets
	}
	if len(ch.Faults) > 0 {
		faults, err := parseFaults(ch.Faults)
		if err != nil {
			return config, err
		}
		config.Chaos.Faults = faults
	}
	if err := parseDuration(ch.SuspendFor, "chaos.suspend_for", &config.Chaos.SuspendFor); err != nil {
		return config, err
	}
	if err := parseDuration(ch.Delay, "chaos.delay", &config.Chaos.Delay); err != nil {
		return config, err
	}
	config.Chaos.Seed = config.Seed

	// Recovery設定
	rc := sc.Recovery
	if rc.Enabled {
		config.EnableHeal = true
	}
	if err := parseDuration(rc.Delay, "recovery.delay", &config.Heal.HealDelay); err != nil {
		return config, err
	}
	if rc.MaxRetries > 0 {
		config.Heal.MaxRetries = rc.MaxRetries
	}

	return config, nil
}

func parseDuration(s, field string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*dst = d
	return nil
}

// parseFaults は文字列の障害種別をパースする
func parseFaults(names []string) ([]chaos.Fault, error) {
	return chaos.ParseFaults(strings.Join(names, ","))
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	sc := f.Scenario

	if sc.Servers.Mock < 0 {
		return invalid("servers.mock must be non-negative")
	}
	if sc.Client.Workers < 0 {
		return invalid("client.workers must be non-negative")
	}
	if sc.Client.Connections < 0 {
		return invalid("client.connections must be non-negative")
	}
	if sc.Client.RPS != nil && *sc.Client.RPS < scenario.RPSMax {
		return invalid("client.rps must be -1, 0 or positive")
	}
	if sc.Client.Batch < 0 || sc.Client.Batch > worker.MaxBatch {
		return invalid("client.batch must be between 0 and %d", worker.MaxBatch)
	}
	if sc.Client.PreloadRate < 0 {
		return invalid("client.preload_rate must be non-negative")
	}
	if sc.Client.Retries != nil && *sc.Client.Retries < 0 {
		return invalid("client.reconnect_retries must be non-negative")
	}

	wl := sc.Workload
	if wl.Keys < 0 {
		return invalid("workload.keys must be non-negative")
	}
	if wl.ValueSize < 0 || wl.ValueSize > worker.MaxValueSize {
		return invalid("workload.value_size must be between 0 and %d", worker.MaxValueSize)
	}
	if wl.MultiGetSize < 0 {
		return invalid("workload.multiget_size must be non-negative")
	}
	if wl.Scale < 0 {
		return invalid("workload.scale must be non-negative")
	}
	if wl.Mix != nil {
		if err := wl.Mix.Validate(); err != nil {
			return fmt.Errorf("workload.mix: %w", err)
		}
	}

	if sc.Chaos.Targets < 0 {
		return invalid("chaos.targets must be non-negative")
	}
	if sc.Recovery.MaxRetries < 0 {
		return invalid("recovery.max_retries must be non-negative")
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dist.ErrInvalidParameter, fmt.Sprintf(format, args...))
}
