package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"cacheload/internal/events"
	"cacheload/internal/logger"
	"cacheload/internal/metrics"
	"cacheload/internal/scenario"

	"golang.org/x/net/websocket"
)

// Server は実行状況を公開するモニターサーバー
type Server struct {
	addr   string
	engine *scenario.Engine
	bus    *events.Bus

	mu        sync.RWMutex
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// NewServer は新しいモニターサーバーを作成する
func NewServer(addr string, engine *scenario.Engine, bus *events.Bus) *Server {
	return &Server{
		addr:      addr,
		engine:    engine,
		bus:       bus,
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/presets", s.handlePresets)
	mux.Handle("/metrics", s.engine.Exporter().Handler())
	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))

	return mux
}

// Start はサーバーを開始し、ctxがキャンセルされるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.bus != nil {
		go s.broadcastLoop(ctx)
	}

	logger.Info("", "Monitor listening on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.engine.Status())
}

// NodeInfo はモックノードの情報
type NodeInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Status   string `json:"status"`
	Size     int    `json:"size"`
	Requests uint64 `json:"requests"`
	Delay    string `json:"delay,omitempty"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodes := []NodeInfo{}
	if c := s.engine.Cluster(); c != nil {
		for _, n := range c.Nodes() {
			info := NodeInfo{
				ID:       n.ID(),
				Addr:     n.Addr(),
				Status:   n.Status().String(),
				Size:     n.Size(),
				Requests: n.Stats().Requests,
			}
			if d := n.Delay(); d > 0 {
				info.Delay = d.String()
			}
			nodes = append(nodes, info)
		}
	}

	s.writeJSON(w, nodes)
}

// MetricsResponse はメトリクスレスポンス
type MetricsResponse struct {
	RunID        string            `json:"run_id"`
	Completed    uint64            `json:"completed"`
	Failed       uint64            `json:"failed"`
	RPS          float64           `json:"rps"`
	MeanMs       float64           `json:"mean_ms"`
	P50Ms        float64           `json:"p50_ms"`
	P99Ms        float64           `json:"p99_ms"`
	P999Ms       float64           `json:"p999_ms"`
	ErrorRate    float64           `json:"error_rate"`
	HitRate      float64           `json:"hit_rate"`
	Operations   map[string]uint64 `json:"operations"`
	ElapsedSecs  float64           `json:"elapsed_seconds"`
	Reconnects   uint64            `json:"reconnects"`
	WorkerFailed uint64            `json:"worker_failures"`
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.engine.Metrics().Cumulative()
	resp := newMetricsResponse(s.engine.RunID(), snap)
	for _, st := range s.engine.WorkerStats() {
		resp.Reconnects += st.Reconnects
		resp.WorkerFailed += st.Failures
	}
	s.writeJSON(w, resp)
}

func newMetricsResponse(runID string, snap metrics.Snapshot) MetricsResponse {
	return MetricsResponse{
		RunID:       runID,
		Completed:   snap.Completed,
		Failed:      snap.Failed,
		RPS:         snap.Throughput,
		MeanMs:      ms(snap.Mean),
		P50Ms:       ms(snap.P50),
		P99Ms:       ms(snap.P99),
		P999Ms:      ms(snap.P999),
		ErrorRate:   snap.ErrorRate(),
		HitRate:     snap.HitRate(),
		Operations:  snap.Ops,
		ElapsedSecs: snap.Elapsed.Seconds(),
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.engine.WorkerStats()
	if stats == nil {
		http.Error(w, "Run not started", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, stats)
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var presets []PresetInfo
	for _, name := range scenario.ListPresets() {
		config, _ := scenario.GetPreset(name)
		presets = append(presets, PresetInfo{Name: name, Description: config.Description})
	}
	s.writeJSON(w, presets)
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// Keep connection alive
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.wsClients)
}

func (s *Server) broadcast(data interface{}) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// broadcastLoop はイベントバスのイベントをWebSocketクライアントに中継する
func (s *Server) broadcastLoop(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("", "Failed to encode JSON: %v", err)
	}
}
