package scenario

import (
	"sort"
	"time"

	"cacheload/internal/chaos"
	"cacheload/internal/worker"
)

// LatencyScenario は1ワーカーで応答を待ってから次を送るレイテンシ測定
func LatencyScenario() Config {
	c := DefaultConfig()
	c.Name = "latency"
	c.Description = "Single worker latency test, one request in flight"
	c.Workers = 1
	c.RPS = 0
	return c
}

// BatchScenario はバッチ送信でのレイテンシ測定
func BatchScenario() Config {
	c := LatencyScenario()
	c.Name = "batch"
	c.Description = "Latency test sending 100 requests per write"
	c.Batch = 100
	return c
}

// HitOneScenario は単一キーに全リクエストを集中させる
func HitOneScenario() Config {
	c := DefaultConfig()
	c.Name = "hit-one"
	c.Description = "Every request targets the same key"
	c.Workers = 4
	c.HitOne = true
	c.Preload = true
	return c
}

// MultiGetScenario はmultigetを主体とした読み込み負荷
func MultiGetScenario() Config {
	c := DefaultConfig()
	c.Name = "multiget"
	c.Description = "Read-heavy load dominated by multi-key gets"
	c.Workers = 4
	c.Mix = worker.Mix{Get: 0.2, MultiGet: 0.7}
	c.Preload = true
	return c
}

// MixedScenario はすべての操作を混ぜる
func MixedScenario() Config {
	c := DefaultConfig()
	c.Name = "mixed"
	c.Description = "All operations: get, multiget, increment, delete and set"
	c.Workers = 4
	c.Mix = worker.Mix{Get: 0.6, MultiGet: 0.1, Increment: 0.05, Delete: 0.05}
	return c
}

// PacedScenario は指数分布の到着間隔で一定レートを保つ
func PacedScenario() Config {
	c := DefaultConfig()
	c.Name = "paced"
	c.Description = "10000 rps with exponential interarrival times"
	c.Workers = 4
	c.RPS = 10000
	c.Exponential = true
	return c
}

// SelfTestScenario はモックノードに対する短時間の動作確認
func SelfTestScenario() Config {
	c := DefaultConfig()
	c.Name = "selftest"
	c.Description = "Quick run against in-process mock nodes"
	c.Mock = 2
	c.Workers = 2
	c.Keys = 100
	c.ValueSize = 64
	c.Duration = 3 * time.Second
	c.Preload = true
	return c
}

// ResilienceScenario はモックノードへの障害注入と修復を伴う実行
func ResilienceScenario() Config {
	c := SelfTestScenario()
	c.Name = "resilience"
	c.Description = "Mock nodes with dropped connections, suspends and delays"
	c.Mock = 3
	c.Workers = 3
	c.Duration = 10 * time.Second
	c.EnableChaos = true
	c.Chaos = chaos.DefaultConfig()
	c.EnableHeal = true
	c.Retry.MaxRetries = 20
	return c
}

var presets = map[string]func() Config{
	"default":    DefaultConfig,
	"latency":    LatencyScenario,
	"batch":      BatchScenario,
	"hit-one":    HitOneScenario,
	"multiget":   MultiGetScenario,
	"mixed":      MixedScenario,
	"paced":      PacedScenario,
	"selftest":   SelfTestScenario,
	"resilience": ResilienceScenario,
}

// GetPreset は名前からプリセットシナリオを取得する
func GetPreset(name string) (Config, bool) {
	if fn, ok := presets[name]; ok {
		return fn(), true
	}
	return Config{}, false
}

// ListPresets は利用可能なプリセット名を返す
func ListPresets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
