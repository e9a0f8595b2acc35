package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"cacheload/internal/cluster"
	"cacheload/internal/cycleclock"
	"cacheload/internal/dist"
	"cacheload/internal/keyspace"
	"cacheload/internal/logger"
	"cacheload/internal/metrics"
	"cacheload/internal/protocol"
	"cacheload/internal/recovery"
	"cacheload/internal/transport"
)

// MaxValueSize はsetで送る値の上限
const MaxValueSize = 1 << 20

// MaxBatch はバッチモードで一度に送るリクエスト数の上限
const MaxBatch = 1000

// State はワーカーの状態
type State int32

const (
	StateConnecting State = iota
	StateIdle
	StatePacing
	StateSending
	StateAwaiting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StatePacing:
		return "pacing"
	case StateSending:
		return "sending"
	case StateAwaiting:
		return "awaiting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Recorder はサンプルの記録先
type Recorder interface {
	Record(metrics.Sample)
}

// DialFunc は接続を確立する関数
type DialFunc func(ctx context.Context, mode transport.Mode, addr string, opts transport.Options) (transport.Conn, error)

// Config はワーカー1つ分の設定
// 分布とキー空間は全ワーカーで共有される読み取り専用の値
type Config struct {
	ID        int
	Servers   []cluster.Server // 接続ごとの接続先
	Mode      transport.Mode
	Transport transport.Options

	Mix          Mix
	Trace        *Trace // 指定時はMixの代わりに使う
	Keys         *keyspace.Space
	ValueSize    *dist.Distribution
	MultiGetSize *dist.Distribution
	Interarrival *dist.Distribution // 秒。nilなら待たずに送る
	Batch        int                // 1より大きい場合はバッチモード

	Seed     int64
	Pin      bool // OSスレッドをCPUに固定する
	CPU      int
	Clock    *cycleclock.Clock
	Recorder Recorder
	Policy   recovery.Policy
	Dial     DialFunc
}

// Stats はワーカーの統計
type Stats struct {
	Requests   uint64        `json:"requests"`
	Failures   uint64        `json:"failures"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Reconnects uint64        `json:"reconnects"`
	MaxLag     time.Duration `json:"max_lag"` // 予定送信時刻からの最大の遅れ
}

// Worker は1つのOSスレッド上で負荷を生成する
type Worker struct {
	cfg   Config
	name  string
	rng   *rand.Rand
	seq   Sequencer
	pacer *Pacer

	conns  []transport.Conn
	cursor int
	opaque uint32

	value  []byte
	msg    []byte
	mkeys  []string
	batch  []protocol.Operation
	starts []uint64

	state      atomic.Int32
	requests   atomic.Uint64
	failures   atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
	reconnects atomic.Uint64
	maxLag     atomic.Int64
}

// New は設定を検証してワーカーを作成する
func New(cfg Config) (*Worker, error) {
	if len(cfg.Servers) == 0 {
		return nil, cluster.ErrNoServers
	}
	if cfg.Keys == nil || cfg.ValueSize == nil || cfg.Clock == nil || cfg.Recorder == nil {
		return nil, fmt.Errorf("%w: worker %d: keys, value size, clock and recorder are required",
			dist.ErrInvalidParameter, cfg.ID)
	}
	if cfg.Batch > MaxBatch {
		return nil, fmt.Errorf("%w: batch %d exceeds %d", dist.ErrInvalidParameter, cfg.Batch, MaxBatch)
	}
	if cfg.Batch > 1 && cfg.Mode != transport.ModeStream {
		return nil, fmt.Errorf("%w: batch mode requires the stream transport", dist.ErrInvalidParameter)
	}
	if cfg.Trace == nil {
		if err := cfg.Mix.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Dial == nil {
		cfg.Dial = transport.Dial
	}
	if cfg.MultiGetSize == nil {
		cfg.MultiGetSize, _ = dist.NewUniform(2, 10)
	}

	w := &Worker{
		cfg:  cfg,
		name: fmt.Sprintf("worker-%d", cfg.ID),
		rng:  dist.NewRand(cfg.Seed, cfg.ID),
	}
	if cfg.Trace != nil {
		w.seq = cfg.Trace.Sequencer(cfg.ID)
	} else {
		w.seq = cfg.Mix.Sequencer()
	}
	if cfg.Interarrival != nil {
		w.pacer = NewPacer(cfg.Interarrival, w.rng)
	}

	w.value = make([]byte, valueCapacity(cfg.ValueSize))
	for i := range w.value {
		w.value[i] = 'a' + byte(i%26)
	}
	w.msg = make([]byte, 0, 4096)
	if cfg.Batch > 1 {
		w.batch = make([]protocol.Operation, cfg.Batch)
		w.starts = make([]uint64, cfg.Batch)
	}
	w.setState(StateConnecting)
	return w, nil
}

// valueCapacity は値バッファの大きさを分布の上限から決める
func valueCapacity(d *dist.Distribution) int {
	hi := d.Max()
	if math.IsInf(hi, 1) || hi > MaxValueSize {
		return MaxValueSize
	}
	if hi < 0 {
		return 0
	}
	return int(hi)
}

// Name はワーカー名を返す
func (w *Worker) Name() string {
	return w.name
}

// State は現在の状態を返す
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Stats はワーカーの統計を返す
func (w *Worker) Stats() Stats {
	return Stats{
		Requests:   w.requests.Load(),
		Failures:   w.failures.Load(),
		Hits:       w.hits.Load(),
		Misses:     w.misses.Load(),
		Reconnects: w.reconnects.Load(),
		MaxLag:     time.Duration(w.maxLag.Load()),
	}
}

// Run はctxがキャンセルされるまで負荷を生成する
// 停止は各リクエストの間でのみ確認するため、送信中のリクエストは最後まで処理される
// 再接続のリトライ上限に達した場合はエラーを返す
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.setState(StateStopped)

	if w.cfg.Pin {
		if err := pinThread(w.cfg.CPU); err != nil {
			logger.Warn(w.name, "failed to pin to cpu %d: %v", w.cfg.CPU, err)
		}
	}

	if err := w.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer w.close()

	logger.Debug(w.name, "started with %d connections", len(w.conns))
	if w.pacer != nil {
		w.pacer.Start(time.Now())
	}

	for {
		w.setState(StateIdle)
		if ctx.Err() != nil {
			return nil
		}

		var err error
		if w.batch != nil {
			err = w.sendBatch(ctx)
		} else {
			err = w.sendOne(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// connect は全ての接続を確立する
func (w *Worker) connect(ctx context.Context) error {
	w.setState(StateConnecting)
	w.conns = make([]transport.Conn, len(w.cfg.Servers))
	for i := range w.cfg.Servers {
		if err := w.dial(ctx, i, w.cfg.Policy.Connect); err != nil {
			w.close()
			return err
		}
	}
	return nil
}

// dial はi番目の接続をretryを通して確立し直す
func (w *Worker) dial(ctx context.Context, i int, retry func(context.Context, string, func(context.Context) error) error) error {
	if c := w.conns[i]; c != nil {
		_ = c.Close()
		w.conns[i] = nil
	}
	addr := w.cfg.Servers[i].Addr()
	return retry(ctx, w.name, func(ctx context.Context) error {
		c, err := w.cfg.Dial(ctx, w.cfg.Mode, addr, w.cfg.Transport)
		if err != nil {
			return err
		}
		w.conns[i] = c
		return nil
	})
}

func (w *Worker) close() {
	for i, c := range w.conns {
		if c != nil {
			_ = c.Close()
			w.conns[i] = nil
		}
	}
}

// reconnect は失敗した接続を張り直す
func (w *Worker) reconnect(ctx context.Context, i int, cause error) error {
	logger.Debug(w.name, "connection to %s failed: %v", w.cfg.Servers[i], cause)
	w.setState(StateConnecting)
	if err := w.dial(ctx, i, w.cfg.Policy.Reconnect); err != nil {
		return fmt.Errorf("%s: %w", w.name, err)
	}
	w.reconnects.Add(1)
	return nil
}

// pick は次に使う接続を順番に選ぶ
func (w *Worker) pick() int {
	i := w.cursor
	w.cursor++
	if w.cursor == len(w.conns) {
		w.cursor = 0
	}
	return i
}

func (w *Worker) nextOpaque() uint32 {
	w.opaque++
	return w.opaque
}

// next は次のリクエストを組み立てる
func (w *Worker) next() protocol.Operation {
	step := w.seq.Next(w.rng)
	key := w.key(step.Key)

	switch step.Kind {
	case protocol.KindGet:
		return protocol.Get{Key: key}
	case protocol.KindDelete:
		return protocol.Delete{Key: key}
	case protocol.KindIncrement:
		return protocol.Increment{Key: key, Delta: 1}
	case protocol.KindNoop:
		return protocol.Noop{}
	case protocol.KindMultiGet:
		n := step.Size
		if n < 0 {
			n = w.cfg.MultiGetSize.SampleInt(w.rng)
		}
		n = max(n, 1)
		w.mkeys = w.mkeys[:0]
		w.mkeys = append(w.mkeys, key)
		for len(w.mkeys) < n {
			w.mkeys = append(w.mkeys, w.key(-1))
		}
		return protocol.MultiGet{Keys: w.mkeys}
	default:
		size := step.Size
		if size < 0 {
			size = w.cfg.ValueSize.SampleInt(w.rng)
		}
		size = min(max(size, 0), len(w.value))
		return protocol.Set{Key: key, Value: w.value[:size]}
	}
}

func (w *Worker) key(i int) string {
	if i >= 0 && i < w.cfg.Keys.Len() {
		return w.cfg.Keys.Key(i)
	}
	_, k := w.cfg.Keys.Select(w.rng)
	return k
}

// sendOne は1リクエストを送り、応答を待って記録する
func (w *Worker) sendOne(ctx context.Context) error {
	if w.pacer != nil {
		w.setState(StatePacing)
		if !w.pacer.Wait(ctx) {
			return nil
		}
		if lag := int64(w.pacer.Lag()); lag > w.maxLag.Load() {
			w.maxLag.Store(lag)
		}
	}

	op := w.next()
	i := w.pick()
	conn := w.conns[i]
	opaque := w.nextOpaque()

	w.setState(StateSending)
	w.msg = op.Append(w.msg[:0], opaque)
	start := w.cfg.Clock.Now()
	err := conn.WriteMessage(w.msg)
	var reply protocol.Reply
	if err == nil {
		w.setState(StateAwaiting)
		reply, err = conn.ReadReply(op, opaque)
	}
	latency := w.cfg.Clock.Since(start)

	w.record(op.Kind(), latency, reply, err)
	if err != nil {
		return w.reconnect(ctx, i, err)
	}
	return nil
}

// sendBatch はBatch個のリクエストを1回の書き込みで送り、応答ごとに遅延を記録する
func (w *Worker) sendBatch(ctx context.Context) error {
	i := w.pick()
	conn := w.conns[i]

	w.setState(StateSending)
	w.msg = w.msg[:0]
	first := w.opaque + 1
	for j := range w.batch {
		op := w.next()
		// multigetのキー列は次のnextで上書きされるため複製する
		if mg, ok := op.(protocol.MultiGet); ok {
			op = protocol.MultiGet{Keys: append([]string(nil), mg.Keys...)}
		}
		w.batch[j] = op
		w.msg = op.Append(w.msg, w.nextOpaque())
	}

	start := w.cfg.Clock.Now()
	if err := conn.WriteMessage(w.msg); err != nil {
		latency := w.cfg.Clock.Since(start)
		for _, op := range w.batch {
			w.record(op.Kind(), latency, protocol.Reply{}, err)
		}
		return w.reconnect(ctx, i, err)
	}

	w.setState(StateAwaiting)
	for j, op := range w.batch {
		reply, err := conn.ReadReply(op, first+uint32(j))
		latency := w.cfg.Clock.Since(start)
		w.record(op.Kind(), latency, reply, err)
		if err != nil {
			// 残りの応答は受け取れないため失敗として記録する
			for _, rest := range w.batch[j+1:] {
				w.record(rest.Kind(), latency, protocol.Reply{}, err)
			}
			return w.reconnect(ctx, i, err)
		}
	}
	return nil
}

// record は1リクエストの結果を記録する
// 失敗ステータスの応答は失敗として数えるが、再接続はしない
func (w *Worker) record(kind protocol.Kind, latency time.Duration, reply protocol.Reply, err error) {
	failed := err != nil || reply.Status.IsError()
	w.requests.Add(1)
	if failed {
		w.failures.Add(1)
	} else {
		w.hits.Add(uint64(reply.Hits))
		w.misses.Add(uint64(reply.Misses))
	}
	w.cfg.Recorder.Record(metrics.Sample{
		Op:      kind,
		Latency: latency,
		Failed:  failed,
		Hits:    reply.Hits,
		Misses:  reply.Misses,
	})
}
