package worker

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"cacheload/internal/dist"
	"cacheload/internal/protocol"
)

// Trace は事前に決められた操作列
// 各行は "操作 [キー番号] [サイズ]"、'#' 以降はコメント
// キー番号やサイズが省略されるか "*" の場合は分布から選ぶ
//
//	get 12
//	set 12 512
//	multiget * 4
//	incr
type Trace struct {
	steps []Step
}

// LoadTrace はトレースファイルを読み込む
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	t, err := ParseTrace(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTrace はトレースを解析する
func ParseTrace(r io.Reader) (*Trace, error) {
	t := &Trace{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) > 3 {
			return nil, fmt.Errorf("%w: line %d: too many fields", dist.ErrInvalidParameter, line)
		}

		kind, err := parseKind(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		step := Step{Kind: kind, Key: -1, Size: -1}
		if len(fields) > 1 {
			if step.Key, err = parseIndex(fields[1]); err != nil {
				return nil, fmt.Errorf("line %d: key: %w", line, err)
			}
		}
		if len(fields) > 2 {
			if step.Size, err = parseIndex(fields[2]); err != nil {
				return nil, fmt.Errorf("line %d: size: %w", line, err)
			}
		}
		t.steps = append(t.steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(t.steps) == 0 {
		return nil, fmt.Errorf("%w: empty trace", dist.ErrInvalidParameter)
	}
	return t, nil
}

func parseKind(s string) (protocol.Kind, error) {
	s = strings.ToLower(s)
	for _, k := range protocol.Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	switch s {
	case "increment":
		return protocol.KindIncrement, nil
	case "mget":
		return protocol.KindMultiGet, nil
	}
	return 0, fmt.Errorf("%w: unknown operation %q", dist.ErrInvalidParameter, s)
}

func parseIndex(s string) (int, error) {
	if s == "*" {
		return -1, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", dist.ErrInvalidParameter, s)
	}
	return v, nil
}

// Len はステップ数を返す
func (t *Trace) Len() int {
	return len(t.steps)
}

// Validate はキー番号がキー数の範囲内にあることを確認する
func (t *Trace) Validate(keys int) error {
	for i, s := range t.steps {
		if s.Key >= keys {
			return fmt.Errorf("%w: trace step %d: key %d outside [0, %d)", dist.ErrInvalidParameter, i, s.Key, keys)
		}
	}
	return nil
}

// Scaled はキー番号をfactor倍したトレースを返す
func (t *Trace) Scaled(factor float64, keys int) *Trace {
	out := &Trace{steps: make([]Step, len(t.steps))}
	copy(out.steps, t.steps)
	if factor == 1 {
		return out
	}
	for i := range out.steps {
		if k := out.steps[i].Key; k >= 0 {
			k = int(float64(k) * factor)
			out.steps[i].Key = min(k, keys-1)
		}
	}
	return out
}

// WriteTo はトレースを読み込める形式で書き出す
func (t *Trace) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, s := range t.steps {
		line := s.Kind.String()
		if s.Key >= 0 || s.Size >= 0 {
			line += " " + formatIndex(s.Key)
		}
		if s.Size >= 0 {
			line += " " + formatIndex(s.Size)
		}
		c, err := bw.WriteString(line + "\n")
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

func formatIndex(v int) string {
	if v < 0 {
		return "*"
	}
	return strconv.Itoa(v)
}

// Sequencer はoffset番目から始めて循環するSequencerを返す
func (t *Trace) Sequencer(offset int) Sequencer {
	return &traceSequencer{steps: t.steps, pos: offset % len(t.steps)}
}

type traceSequencer struct {
	steps []Step
	pos   int
}

func (s *traceSequencer) Next(*rand.Rand) Step {
	step := s.steps[s.pos]
	s.pos++
	if s.pos == len(s.steps) {
		s.pos = 0
	}
	return step
}
