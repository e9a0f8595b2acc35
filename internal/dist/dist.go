package dist

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	pcgr "github.com/dgryski/go-pcgr"
)

// ErrInvalidParameter は分布の構築パラメータが不正な場合のエラー
var ErrInvalidParameter = errors.New("invalid distribution parameter")

// cdfTolerance は経験分布の最終累積確率の許容誤差
const cdfTolerance = 1e-6

// Kind は分布の種類を表す
type Kind int

const (
	KindConstant Kind = iota
	KindUniform
	KindExponential
	KindEmpirical
)

func (k Kind) String() string {
	switch k {
	case KindConstant:
		return "constant"
	case KindUniform:
		return "uniform"
	case KindExponential:
		return "exponential"
	case KindEmpirical:
		return "empirical"
	default:
		return "unknown"
	}
}

// ParseKind は文字列から分布の種類を取得する
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "constant", "fixed":
		return KindConstant, nil
	case "uniform":
		return KindUniform, nil
	case "exponential", "exp":
		return KindExponential, nil
	case "empirical", "cdf":
		return KindEmpirical, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidParameter, s)
	}
}

// Point は経験分布テーブルの1エントリ
type Point struct {
	Value float64
	Prob  float64
}

// Distribution は構築後に変更されない確率分布
type Distribution struct {
	kind  Kind
	a, b  float64
	table []Point
}

// NewConstant は常に同じ値を返す分布を作成する
func NewConstant(v float64) (*Distribution, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: constant %v", ErrInvalidParameter, v)
	}
	return &Distribution{kind: KindConstant, a: v, b: v}, nil
}

// NewUniform は[min, max]の一様分布を作成する
func NewUniform(min, max float64) (*Distribution, error) {
	if math.IsNaN(min) || math.IsNaN(max) || min > max {
		return nil, fmt.Errorf("%w: uniform range [%v, %v]", ErrInvalidParameter, min, max)
	}
	return &Distribution{kind: KindUniform, a: min, b: max}, nil
}

// NewExponential は平均meanの指数分布を作成する
func NewExponential(mean float64) (*Distribution, error) {
	if math.IsNaN(mean) || math.IsInf(mean, 0) || mean < 0 {
		return nil, fmt.Errorf("%w: exponential mean %v", ErrInvalidParameter, mean)
	}
	return &Distribution{kind: KindExponential, a: mean}, nil
}

// NewEmpirical は累積確率テーブルから経験分布を作成する
// テーブルは値と累積確率の両方について単調増加で、最後の累積確率が1.0である必要がある
func NewEmpirical(table []Point) (*Distribution, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty table", ErrInvalidParameter)
	}
	for i, p := range table {
		if math.IsNaN(p.Prob) || p.Prob < 0 || p.Prob > 1+cdfTolerance {
			return nil, fmt.Errorf("%w: probability %v at entry %d", ErrInvalidParameter, p.Prob, i)
		}
		if i == 0 {
			continue
		}
		prev := table[i-1]
		if p.Value < prev.Value || p.Prob < prev.Prob {
			return nil, fmt.Errorf("%w: table not sorted at entry %d", ErrInvalidParameter, i)
		}
	}
	last := table[len(table)-1].Prob
	if math.Abs(last-1.0) > cdfTolerance {
		return nil, fmt.Errorf("%w: table not normalized (last probability %v)", ErrInvalidParameter, last)
	}

	t := make([]Point, len(table))
	copy(t, table)
	return &Distribution{
		kind:  KindEmpirical,
		a:     t[0].Value,
		b:     t[len(t)-1].Value,
		table: t,
	}, nil
}

// Build は種類とパラメータから分布を作成する
// Constant(v), Uniform(min, max), Exponential(mean) に対応する
// Empirical はテーブルが必要なため NewEmpirical を使用する
func Build(kind Kind, params ...float64) (*Distribution, error) {
	switch kind {
	case KindConstant:
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: constant needs 1 parameter, got %d", ErrInvalidParameter, len(params))
		}
		return NewConstant(params[0])
	case KindUniform:
		if len(params) != 2 {
			return nil, fmt.Errorf("%w: uniform needs 2 parameters, got %d", ErrInvalidParameter, len(params))
		}
		return NewUniform(params[0], params[1])
	case KindExponential:
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: exponential needs 1 parameter, got %d", ErrInvalidParameter, len(params))
		}
		return NewExponential(params[0])
	case KindEmpirical:
		return nil, fmt.Errorf("%w: empirical requires a table", ErrInvalidParameter)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidParameter, kind)
	}
}

// Kind は分布の種類を返す
func (d *Distribution) Kind() Kind {
	return d.kind
}

// Min は分布の下限を返す
func (d *Distribution) Min() float64 {
	if d.kind == KindExponential {
		return 0
	}
	return d.a
}

// Max は分布の上限を返す（指数分布は+Inf）
func (d *Distribution) Max() float64 {
	if d.kind == KindExponential {
		return math.Inf(1)
	}
	return d.b
}

// Mean は分布の期待値を返す
func (d *Distribution) Mean() float64 {
	switch d.kind {
	case KindUniform:
		return (d.a + d.b) / 2
	case KindExponential:
		return d.a
	case KindEmpirical:
		var mean, prev float64
		for _, p := range d.table {
			mean += p.Value * (p.Prob - prev)
			prev = p.Prob
		}
		return mean
	default:
		return d.a
	}
}

// Table は経験分布テーブルのコピーを返す
func (d *Distribution) Table() []Point {
	t := make([]Point, len(d.table))
	copy(t, d.table)
	return t
}

// Sample は1つの値を抽出する
func (d *Distribution) Sample(rng *rand.Rand) float64 {
	switch d.kind {
	case KindConstant:
		return d.a
	case KindUniform:
		return d.a + rng.Float64()*(d.b-d.a)
	case KindExponential:
		v := -d.a * math.Log(1-rng.Float64())
		if v < 0 {
			return 0
		}
		return v
	case KindEmpirical:
		return d.lookup(rng.Float64())
	}
	return 0
}

// SampleInt は整数値を抽出する
// 一様分布では[min, max]の両端を含む整数を返す
func (d *Distribution) SampleInt(rng *rand.Rand) int {
	if d.kind == KindUniform {
		lo := int(math.Ceil(d.a))
		hi := int(math.Floor(d.b))
		if hi <= lo {
			return lo
		}
		return lo + rng.Intn(hi-lo+1)
	}
	return int(d.Sample(rng))
}

// lookup はu以上の累積確率を持つ最初のエントリの値を返す
func (d *Distribution) lookup(u float64) float64 {
	i := sort.Search(len(d.table), func(i int) bool {
		return d.table[i].Prob >= u
	})
	if i == len(d.table) {
		i--
	}
	return d.table[i].Value
}

// Scale は値をfactor倍した新しい分布を返す
func (d *Distribution) Scale(factor float64) (*Distribution, error) {
	if math.IsNaN(factor) || factor <= 0 {
		return nil, fmt.Errorf("%w: scale factor %v", ErrInvalidParameter, factor)
	}
	switch d.kind {
	case KindConstant:
		return NewConstant(d.a * factor)
	case KindUniform:
		return NewUniform(d.a*factor, d.b*factor)
	case KindExponential:
		return NewExponential(d.a * factor)
	case KindEmpirical:
		t := d.Table()
		for i := range t {
			t[i].Value *= factor
		}
		return NewEmpirical(t)
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidParameter, d.kind)
}

func (d *Distribution) String() string {
	switch d.kind {
	case KindConstant:
		return fmt.Sprintf("constant(%g)", d.a)
	case KindUniform:
		return fmt.Sprintf("uniform(%g, %g)", d.a, d.b)
	case KindExponential:
		return fmt.Sprintf("exponential(mean=%g)", d.a)
	case KindEmpirical:
		return fmt.Sprintf("empirical(%d points, %g..%g)", len(d.table), d.a, d.b)
	}
	return "unknown"
}

// NewRand はワーカーごとの独立した乱数ストリームを作成する
// 同じseedとstreamからは同じ系列が得られる
func NewRand(seed int64, stream int) *rand.Rand {
	src := pcgr.New(seed+int64(stream), int64(stream)*2+1)
	return rand.New(&src)
}
