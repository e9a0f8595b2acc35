package keyspace

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"cacheload/internal/dist"
)

// DefaultPrefix はキーのデフォルト接頭辞
const DefaultPrefix = "key:"

// MaxKeyLength はmemcachedのキー長の上限
const MaxKeyLength = 250

// Naming はキーの命名規則
type Naming struct {
	Prefix string
	// Width は数字部分のゼロ埋め幅（0の場合は n-1 の桁数）
	Width int
}

// DefaultNaming はデフォルトの命名規則を返す
func DefaultNaming() Naming {
	return Naming{Prefix: DefaultPrefix}
}

// Generate はn個の一意なキーを生成する
func Generate(n int, naming Naming) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: key count must be positive, got %d", dist.ErrInvalidParameter, n)
	}

	width := naming.Width
	if width <= 0 {
		width = len(strconv.Itoa(n - 1))
	}
	if len(naming.Prefix)+width > MaxKeyLength {
		return nil, fmt.Errorf("%w: key length %d exceeds %d", dist.ErrInvalidParameter, len(naming.Prefix)+width, MaxKeyLength)
	}

	keys := make([]string, n)
	var b strings.Builder
	for i := range n {
		b.Reset()
		b.WriteString(naming.Prefix)
		digits := strconv.Itoa(i)
		for range width - len(digits) {
			b.WriteByte('0')
		}
		b.WriteString(digits)
		keys[i] = b.String()
	}
	return keys, nil
}

// Space はキー集合と人気度分布の組
// 構築後は読み取り専用で、ワーカー間で共有できる
type Space struct {
	keys       []string
	popularity *dist.Distribution
	naming     Naming
}

// New はキー空間を作成する
// popularityがnilの場合は[0, n-1]の一様分布を使用する
func New(n int, naming Naming, popularity *dist.Distribution) (*Space, error) {
	keys, err := Generate(n, naming)
	if err != nil {
		return nil, err
	}

	if popularity == nil {
		popularity, err = dist.NewUniform(0, float64(n-1))
		if err != nil {
			return nil, err
		}
	}
	if popularity.Min() < 0 || (popularity.Max() >= float64(n) && !math.IsInf(popularity.Max(), 1)) {
		return nil, fmt.Errorf("%w: popularity domain [%g, %g] outside [0, %d)",
			dist.ErrInvalidParameter, popularity.Min(), popularity.Max(), n)
	}

	return &Space{
		keys:       keys,
		popularity: popularity,
		naming:     naming,
	}, nil
}

// HitOne は常に先頭のキーを返すキー空間を作成する
func HitOne(n int, naming Naming) (*Space, error) {
	zero, err := dist.NewConstant(0)
	if err != nil {
		return nil, err
	}
	return New(n, naming, zero)
}

// Len はキー数を返す
func (s *Space) Len() int {
	return len(s.keys)
}

// Key はインデックスのキーを返す
func (s *Space) Key(i int) string {
	return s.keys[i]
}

// Keys はキー一覧のコピーを返す
func (s *Space) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Popularity は人気度分布を返す
func (s *Space) Popularity() *dist.Distribution {
	return s.popularity
}

// Select は人気度分布からキーを1つ選択する
// 指数分布のように上限のない分布でも範囲外のインデックスは返さない
func (s *Space) Select(rng *rand.Rand) (int, string) {
	i := s.popularity.SampleInt(rng)
	if i < 0 {
		i = 0
	} else if i >= len(s.keys) {
		i = len(s.keys) - 1
	}
	return i, s.keys[i]
}

// Scaled はキー数と人気度分布をfactor倍したキー空間を返す
func (s *Space) Scaled(factor float64) (*Space, error) {
	if factor == 1 {
		return s, nil
	}
	if math.IsNaN(factor) || factor <= 0 {
		return nil, fmt.Errorf("%w: scale factor %v", dist.ErrInvalidParameter, factor)
	}

	n := int(math.Round(float64(len(s.keys)) * factor))
	if n < 1 {
		n = 1
	}
	pop, err := s.popularity.Scale(factor)
	if err != nil {
		return nil, err
	}
	// 丸めで上限がn-1を超えないように揃える
	if pop.Kind() == dist.KindUniform && pop.Max() > float64(n-1) {
		pop, err = dist.NewUniform(pop.Min(), float64(n-1))
		if err != nil {
			return nil, err
		}
	}
	naming := s.naming
	naming.Width = 0
	return New(n, naming, pop)
}
