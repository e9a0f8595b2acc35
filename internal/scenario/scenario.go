package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cacheload/internal/chaos"
	"cacheload/internal/client"
	"cacheload/internal/cluster"
	"cacheload/internal/cycleclock"
	"cacheload/internal/dist"
	"cacheload/internal/events"
	"cacheload/internal/logger"
	"cacheload/internal/metrics"
	"cacheload/internal/recovery"
	"cacheload/internal/transport"
	"cacheload/internal/worker"

	"github.com/google/uuid"
)

// RPSMax はレート制限なしで送り続けることを表す
const RPSMax = -1

// Config は1回の実行の設定。Engineに渡した後は変更しない
type Config struct {
	Name        string
	Description string
	RunID       string // 空なら実行時に生成する

	// 接続先
	ServerFile string
	Servers    []string // "host[:port]"
	Mock       int      // 0より大きい場合はプロセス内のモックノードに接続する

	Workers     int
	Connections int // 0ならWorkersと同じ
	Mode        transport.Mode
	Transport   transport.Options

	Duration       time.Duration // 0でキャンセルされるまで実行
	ReportInterval time.Duration

	// キー空間と値
	Keys           int
	KeyPrefix      string
	PopularityFile string
	HitOne         bool
	ValueSize      int // 0より大きい場合は固定サイズ
	ValueSizeFile  string
	MultiGetSize   int // 0より大きい場合は固定キー数
	MultiGetFile   string

	// リクエストの組み立て
	Mix        worker.Mix
	TraceFile  string  // 指定時はMixの代わりに使う
	Scale      float64 // 0でスケーリングしない
	OutputFile string  // スケーリング後のトレースまたは人気度テーブルの出力先

	// 送信ペース
	RPS         int // RPSMaxで上限なし、0でレイテンシ測定モード
	Exponential bool
	Batch       int

	Preload     bool
	PreloadRate int
	Seed        int64
	PinCPUs     bool
	Clock       cycleclock.Options
	Retry       recovery.Policy

	// モックノードへの障害注入
	EnableChaos bool
	Chaos       chaos.Config
	EnableHeal  bool
	Heal        recovery.Config
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:           "default",
		Description:    "90% get / 10% set over 1000 uniformly popular keys",
		Workers:        1,
		Mode:           transport.ModeStream,
		Transport:      transport.DefaultOptions(),
		ReportInterval: time.Second,
		Keys:           1000,
		KeyPrefix:      "key:",
		Mix:            worker.DefaultMix(),
		RPS:            RPSMax,
		Batch:          1,
		Seed:           1,
		Clock:          cycleclock.DefaultOptions(),
		Retry:          recovery.DefaultPolicy(),
		Chaos:          chaos.DefaultConfig(),
		Heal:           recovery.DefaultConfig(),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dist.ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// Validate は設定の整合性を検証する
func (c Config) Validate() error {
	if c.Workers < 1 {
		return invalid("workers must be at least 1, got %d", c.Workers)
	}
	if c.Connections != 0 && c.Connections < c.Workers {
		return invalid("connections (%d) must be at least the number of workers (%d)", c.Connections, c.Workers)
	}
	if c.Mock < 0 {
		return invalid("mock node count must not be negative")
	}
	if c.Mock > c.connections() {
		return invalid("%d connections leave some of %d mock nodes without traffic", c.connections(), c.Mock)
	}
	if c.Mock == 0 && c.ServerFile == "" && len(c.Servers) == 0 {
		return fmt.Errorf("%w: a server file, a server list or mock nodes are required", cluster.ErrNoServers)
	}
	if c.Duration < 0 {
		return invalid("duration must not be negative")
	}
	if c.ReportInterval <= 0 {
		return invalid("report interval must be positive")
	}
	if c.Keys < 1 {
		return invalid("key count must be at least 1, got %d", c.Keys)
	}
	if c.ValueSize < 0 || c.ValueSize > worker.MaxValueSize {
		return invalid("value size must be within [0, %d], got %d", worker.MaxValueSize, c.ValueSize)
	}
	if c.MultiGetSize < 0 || c.MultiGetSize > worker.MaxBatch {
		return invalid("multiget size must be within [0, %d], got %d", worker.MaxBatch, c.MultiGetSize)
	}
	if c.TraceFile == "" {
		if err := c.Mix.Validate(); err != nil {
			return err
		}
	}
	if c.Scale < 0 {
		return invalid("scaling factor must not be negative")
	}
	if c.Scale > 0 && c.OutputFile == "" {
		return invalid("scaling the dataset requires an output file")
	}
	if c.RPS < RPSMax {
		return invalid("rps must be -1 (max), 0 (latency test) or positive, got %d", c.RPS)
	}
	if c.RPS == 0 && c.Workers > 1 {
		return invalid("latency tests require exactly one worker (got %d)", c.Workers)
	}
	if c.Batch < 1 || c.Batch > worker.MaxBatch {
		return invalid("batch size must be within [1, %d], got %d", worker.MaxBatch, c.Batch)
	}
	if c.Batch > 1 && c.RPS != 0 {
		return invalid("batching is only available in latency tests (rps 0)")
	}
	if c.Batch > 1 && c.Mode != transport.ModeStream {
		return invalid("batching requires the %s transport", transport.ModeStream)
	}
	if c.PreloadRate < 0 {
		return invalid("preload rate must not be negative")
	}
	if c.EnableChaos && c.Mock == 0 {
		return invalid("fault injection is only available against mock nodes")
	}
	if c.EnableHeal && c.Mock == 0 {
		return invalid("healing is only available against mock nodes")
	}
	return nil
}

// Dump は設定を人が読める形式で返す
func (c Config) Dump() string {
	var b strings.Builder
	line := func(name string, value any) {
		fmt.Fprintf(&b, "  %-18s %v\n", name+":", value)
	}

	fmt.Fprintf(&b, "Configuration (%s)\n", c.Name)
	switch {
	case c.Mock > 0:
		line("servers", fmt.Sprintf("%d mock nodes", c.Mock))
	case c.ServerFile != "":
		line("server file", c.ServerFile)
	}
	if len(c.Servers) > 0 {
		line("servers", strings.Join(c.Servers, ","))
	}
	line("transport", c.Mode)
	line("workers", c.Workers)
	line("connections", c.connections())
	if c.Duration > 0 {
		line("duration", c.Duration)
	} else {
		line("duration", "until interrupted")
	}
	line("report interval", c.ReportInterval)
	line("keys", c.Keys)
	if c.PopularityFile != "" {
		line("popularity", c.PopularityFile)
	}
	if c.HitOne {
		line("hit one object", true)
	}
	switch {
	case c.ValueSize > 0:
		line("value size", c.ValueSize)
	case c.ValueSizeFile != "":
		line("value size", c.ValueSizeFile)
	default:
		line("value size", "uniform(1, 1024)")
	}
	switch {
	case c.MultiGetSize > 0:
		line("multiget size", c.MultiGetSize)
	case c.MultiGetFile != "":
		line("multiget size", c.MultiGetFile)
	default:
		line("multiget size", "uniform(2, 10)")
	}
	if c.TraceFile != "" {
		line("trace", c.TraceFile)
	} else {
		line("mix", fmt.Sprintf("get=%.3f multiget=%.3f incr=%.3f delete=%.3f set=%.3f",
			c.Mix.Get, c.Mix.MultiGet, c.Mix.Increment, c.Mix.Delete, c.Mix.Set()))
	}
	if c.Scale > 0 {
		line("scaling", fmt.Sprintf("%g -> %s", c.Scale, c.OutputFile))
	}
	switch {
	case c.RPS == RPSMax:
		line("rps", "max")
	case c.RPS == 0:
		line("rps", fmt.Sprintf("latency test (batch %d)", c.Batch))
	default:
		arrival := "constant"
		if c.Exponential {
			arrival = "exponential"
		}
		line("rps", fmt.Sprintf("%d (%s interarrival)", c.RPS, arrival))
	}
	line("nagle", c.Transport.Nagle)
	line("preload", c.Preload)
	line("seed", c.Seed)
	line("clock", c.Clock.Source)
	if c.PinCPUs {
		line("cpu pinning", true)
	}
	if c.EnableChaos {
		faults := make([]string, len(c.Chaos.Faults))
		for i, f := range c.Chaos.Faults {
			faults[i] = string(f)
		}
		line("chaos", fmt.Sprintf("every %v, %s", c.Chaos.Interval, strings.Join(faults, ",")))
	}
	if c.EnableHeal {
		line("heal", fmt.Sprintf("after %v", c.Heal.HealDelay))
	}
	return b.String()
}

func (c Config) connections() int {
	if c.Connections > 0 {
		return c.Connections
	}
	return c.Workers
}

// Result はシナリオ実行結果
type Result struct {
	RunID        string    `json:"run_id"`
	ScenarioName string    `json:"scenario"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	Summary    metrics.Snapshot        `json:"summary"`
	Workers    map[string]worker.Stats `json:"workers"`
	Reconnects recovery.PolicyStats    `json:"reconnects"`
	Preloaded  uint64                  `json:"preloaded,omitempty"`

	ClockSource     string  `json:"clock_source"`
	CyclesPerSecond float64 `json:"cycles_per_second"`

	Chaos  *chaos.Stats    `json:"chaos,omitempty"`
	Healer *recovery.Stats `json:"healer,omitempty"`

	// モックノードの最終状態
	FinalNodeStatus map[string]string `json:"final_node_status,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Engine はシナリオ実行エンジン
type Engine struct {
	config   Config
	runID    string
	eventBus *events.Bus
	metrics  *metrics.Metrics
	exporter *metrics.Exporter

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	cluster   *cluster.Cluster
	client    *client.Client
	preload   *client.Preload
	clock     *cycleclock.Clock
	monkey    *chaos.Monkey
	healer    *recovery.Healer
}

// New は新しいEngineを作成する
func New(config Config) *Engine {
	runID := config.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	m := metrics.New()
	exporter := metrics.NewExporter(runID)
	m.SetExporter(exporter)
	return &Engine{
		config:   config,
		runID:    runID,
		metrics:  m,
		exporter: exporter,
	}
}

// SetEventBus はイベントバスを設定する
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.eventBus = bus
}

// Config は実行設定を返す
func (e *Engine) Config() Config {
	return e.config
}

// RunID は実行IDを返す
func (e *Engine) RunID() string {
	return e.runID
}

// Metrics は集計器を返す
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Exporter はPrometheusエクスポーターを返す
func (e *Engine) Exporter() *metrics.Exporter {
	return e.exporter
}

// Run はシナリオを実行する。実行が始まった後のエラーでもResultを返す
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("scenario is already running")
	}
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	logger.Info("", "=== Scenario '%s' started (run %s) ===", e.config.Name, e.runID)
	if e.config.Description != "" {
		logger.Info("", "Description: %s", e.config.Description)
	}

	result := &Result{
		RunID:        e.runID,
		ScenarioName: e.config.Name,
		StartTime:    time.Now(),
	}

	err := e.setup(ctx)
	defer e.teardown()
	if err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}

	e.eventBus.Publish(events.NewRunStartEvent(e.runID, e.config.Workers))
	err = e.runScenario(ctx)

	result.EndTime = time.Now()
	e.collectResults(result)
	if err != nil {
		result.Error = err.Error()
	}
	e.eventBus.Publish(events.NewRunCompleteEvent(e.runID, result.Summary, err))

	if err != nil {
		logger.Error("", "=== Scenario '%s' failed: %v ===", e.config.Name, err)
		return result, err
	}
	logger.Info("", "=== Scenario '%s' completed ===", e.config.Name)
	return result, nil
}

// teardown はシナリオ実行後のクリーンアップ
func (e *Engine) teardown() {
	e.mu.RLock()
	c, monkey, healer, cl := e.client, e.monkey, e.healer, e.cluster
	e.mu.RUnlock()

	if c != nil {
		_ = c.Stop()
	}
	if monkey != nil {
		monkey.Stop()
	}
	if healer != nil {
		healer.Stop()
	}
	if cl != nil {
		_ = cl.StopAll()
	}
}

// runScenario は負荷を生成し、終了まで待機する
// 障害注入はプリロードが終わってから始める
func (e *Engine) runScenario(ctx context.Context) error {
	if err := e.client.Start(ctx); err != nil {
		return err
	}
	if e.monkey != nil {
		e.monkey.Start(ctx)
	}
	if e.healer != nil {
		e.healer.Start(ctx)
	}
	err := e.client.Wait()

	if e.monkey != nil {
		e.monkey.Stop()
	}
	if e.healer != nil {
		e.healer.Stop()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return err
}

// collectResults は結果を収集する
func (e *Engine) collectResults(result *Result) {
	result.Summary = e.metrics.Finalize()
	result.Workers = e.client.WorkerStats()
	result.Reconnects = e.config.Retry.Stats()
	if e.preload != nil {
		result.Preloaded = e.preload.Written()
	}
	if e.clock != nil {
		result.ClockSource = e.clock.Source().String()
		result.CyclesPerSecond = e.clock.CyclesPerSecond()
	}
	if e.monkey != nil {
		stats := e.monkey.Stats()
		result.Chaos = &stats
	}
	if e.healer != nil {
		stats := e.healer.Stats()
		result.Healer = &stats
	}
	if e.cluster != nil {
		result.FinalNodeStatus = make(map[string]string)
		for _, n := range e.cluster.Nodes() {
			result.FinalNodeStatus[n.ID()] = n.Status().String()
		}
	}
}

// Report は結果をフォーマットして返す
func (r *Result) Report() string {
	var b strings.Builder
	rule := strings.Repeat("=", 80)

	fmt.Fprintf(&b, "\n%s\n                         SCENARIO REPORT: %s\n%s\n\n", rule, r.ScenarioName, rule)

	b.WriteString("EXECUTION SUMMARY\n-----------------\n")
	fmt.Fprintf(&b, "  Run ID:         %s\n", r.RunID)
	fmt.Fprintf(&b, "  Start Time:     %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "  End Time:       %s\n", r.EndTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "  Duration:       %v\n", r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	if r.ClockSource != "" {
		fmt.Fprintf(&b, "  Clock:          %s (%.0f cycles/s)\n", r.ClockSource, r.CyclesPerSecond)
	}
	if r.Preloaded > 0 {
		fmt.Fprintf(&b, "  Preloaded:      %d keys\n", r.Preloaded)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "  Error:          %s\n", r.Error)
	}

	b.WriteString("\nTRAFFIC METRICS\n---------------\n")
	for _, l := range strings.Split(strings.TrimRight(r.Summary.Report(), "\n"), "\n") {
		b.WriteString("  " + l + "\n")
	}
	fmt.Fprintf(&b, "  Reconnects:  %d (%d attempts)\n", r.Reconnects.Reconnects, r.Reconnects.Attempts)

	if len(r.Workers) > 0 {
		b.WriteString("\nWORKERS\n-------\n")
		for _, name := range sortedKeys(r.Workers) {
			s := r.Workers[name]
			fmt.Fprintf(&b, "  %-12s requests=%d failures=%d hits=%d misses=%d reconnects=%d max_lag=%v\n",
				name+":", s.Requests, s.Failures, s.Hits, s.Misses, s.Reconnects, s.MaxLag)
		}
	}

	if r.Chaos != nil {
		b.WriteString("\nCHAOS STATISTICS\n----------------\n")
		fmt.Fprintf(&b, "  Total Faults:     %d\n", r.Chaos.Total)
		for _, name := range sortedKeys(r.Chaos.ByType) {
			fmt.Fprintf(&b, "  %-17s %d\n", name+":", r.Chaos.ByType[name])
		}
	}

	if r.Healer != nil {
		b.WriteString("\nRECOVERY STATISTICS\n-------------------\n")
		fmt.Fprintf(&b, "  Attempts:           %d\n", r.Healer.Attempts)
		fmt.Fprintf(&b, "  Healed:             %d\n", r.Healer.Healed)
		fmt.Fprintf(&b, "  Failed:             %d\n", r.Healer.Failed)
	}

	if len(r.FinalNodeStatus) > 0 {
		b.WriteString("\nFINAL NODE STATUS\n-----------------\n")
		for _, id := range sortedKeys(r.FinalNodeStatus) {
			fmt.Fprintf(&b, "  %-20s %s\n", id+":", r.FinalNodeStatus[id])
		}
	}

	b.WriteString("\n" + rule)
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Status は実行状況
type Status struct {
	RunID        string  `json:"run_id"`
	ScenarioName string  `json:"scenario"`
	Running      bool    `json:"running"`
	Elapsed      float64 `json:"elapsed_seconds"`
	Workers      int     `json:"workers"`
	Connections  int     `json:"connections"`
	Requests     uint64  `json:"requests"`
	Failed       uint64  `json:"failed"`
	NodeCount    int     `json:"node_count,omitempty"`
	RunningNodes int     `json:"running_nodes,omitempty"`
}

// Status は現在の実行状況を返す
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		RunID:        e.runID,
		ScenarioName: e.config.Name,
		Running:      e.running,
		Workers:      e.config.Workers,
		Connections:  e.config.connections(),
		Requests:     e.metrics.TotalRequests(),
		Failed:       e.metrics.FailedRequests(),
	}
	if e.running {
		s.Elapsed = time.Since(e.startedAt).Seconds()
	}
	if e.cluster != nil {
		s.NodeCount = e.cluster.Size()
		s.RunningNodes = e.cluster.RunningCount()
	}
	return s
}

// IsRunning は実行中かどうかを返す
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Cluster はモックノードのクラスタを返す（モックを使わない場合はnil）
func (e *Engine) Cluster() *cluster.Cluster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cluster
}

// WorkerStats はワーカーごとの統計を返す
func (e *Engine) WorkerStats() map[string]worker.Stats {
	e.mu.RLock()
	c := e.client
	e.mu.RUnlock()
	if c == nil {
		return nil
	}
	return c.WorkerStats()
}
