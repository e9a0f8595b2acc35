package worker

import (
	"fmt"
	"math/rand"

	"cacheload/internal/dist"
	"cacheload/internal/protocol"
)

// Step は1リクエスト分の操作指定
// Key と Size が負の場合はワーカーが分布から選ぶ
type Step struct {
	Kind protocol.Kind
	Key  int
	Size int
}

// Sequencer は次に送る操作を決める
// ワーカーごとに1つ作成し、共有しない
type Sequencer interface {
	Next(rng *rand.Rand) Step
}

// Mix は操作種別ごとの割合
// 残りの割合はsetになる
type Mix struct {
	Get       float64 `json:"get" yaml:"get"`
	MultiGet  float64 `json:"multiget" yaml:"multiget"`
	Increment float64 `json:"incr" yaml:"incr"`
	Delete    float64 `json:"delete" yaml:"delete"`
}

// DefaultMix はget 90%、set 10%の構成を返す
func DefaultMix() Mix {
	return Mix{Get: 0.9}
}

// mixTolerance は割合の合計に許す誤差
const mixTolerance = 1e-9

// Validate は各割合が[0,1]に収まり、合計が1を超えないことを確認する
func (m Mix) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"get", m.Get}, {"multiget", m.MultiGet}, {"incr", m.Increment}, {"delete", m.Delete},
	}
	sum := 0.0
	for _, f := range fields {
		if f.v < 0 || f.v > 1 || f.v != f.v {
			return fmt.Errorf("%w: %s fraction %v outside [0,1]", dist.ErrInvalidParameter, f.name, f.v)
		}
		sum += f.v
	}
	if sum > 1+mixTolerance {
		return fmt.Errorf("%w: operation fractions sum to %v", dist.ErrInvalidParameter, sum)
	}
	return nil
}

// Set はsetの割合を返す
func (m Mix) Set() float64 {
	rest := 1 - m.Get - m.MultiGet - m.Increment - m.Delete
	if rest < 0 {
		return 0
	}
	return rest
}

// Sequencer は割合に従って操作を選ぶSequencerを返す
func (m Mix) Sequencer() Sequencer {
	s := &mixSequencer{}
	s.cum[0] = m.Get
	s.cum[1] = s.cum[0] + m.MultiGet
	s.cum[2] = s.cum[1] + m.Increment
	s.cum[3] = s.cum[2] + m.Delete
	return s
}

type mixSequencer struct {
	cum [4]float64
}

var mixOrder = [4]protocol.Kind{
	protocol.KindGet,
	protocol.KindMultiGet,
	protocol.KindIncrement,
	protocol.KindDelete,
}

func (s *mixSequencer) Next(rng *rand.Rand) Step {
	u := rng.Float64()
	kind := protocol.KindSet
	for i, c := range s.cum {
		if u < c {
			kind = mixOrder[i]
			break
		}
	}
	return Step{Kind: kind, Key: -1, Size: -1}
}
