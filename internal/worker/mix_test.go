package worker

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"cacheload/internal/dist"
	"cacheload/internal/protocol"
)

func TestMixValidate(t *testing.T) {
	tests := []struct {
		name string
		mix  Mix
		ok   bool
	}{
		{"default", DefaultMix(), true},
		{"all gets", Mix{Get: 1}, true},
		{"full", Mix{Get: 0.4, MultiGet: 0.3, Increment: 0.2, Delete: 0.1}, true},
		{"negative", Mix{Get: -0.1}, false},
		{"above one", Mix{MultiGet: 1.5}, false},
		{"sum above one", Mix{Get: 0.6, Increment: 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mix.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, dist.ErrInvalidParameter) {
				t.Errorf("expected ErrInvalidParameter, got %v", err)
			}
		})
	}
}

func TestMixSequencerFractions(t *testing.T) {
	mix := Mix{Get: 0.5, MultiGet: 0.2, Increment: 0.1, Delete: 0.05}
	seq := mix.Sequencer()
	rng := dist.NewRand(1, 0)

	const draws = 100000
	counts := make(map[protocol.Kind]int)
	for i := 0; i < draws; i++ {
		step := seq.Next(rng)
		if step.Key != -1 || step.Size != -1 {
			t.Fatalf("mix steps must leave key and size to the distributions: %+v", step)
		}
		counts[step.Kind]++
	}

	want := map[protocol.Kind]float64{
		protocol.KindGet:       0.5,
		protocol.KindMultiGet:  0.2,
		protocol.KindIncrement: 0.1,
		protocol.KindDelete:    0.05,
		protocol.KindSet:       mix.Set(),
	}
	for k, frac := range want {
		got := float64(counts[k]) / draws
		if math.Abs(got-frac) > 0.01 {
			t.Errorf("%s: expected fraction %.2f, got %.3f", k, frac, got)
		}
	}
}

const sampleTrace = `# warm then read
set 1 100
get 1
multiget * 3
incr
delete 1
`

func TestParseTrace(t *testing.T) {
	tr, err := ParseTrace(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Len() != 5 {
		t.Fatalf("expected 5 steps, got %d", tr.Len())
	}

	seq := tr.Sequencer(0)
	want := []Step{
		{protocol.KindSet, 1, 100},
		{protocol.KindGet, 1, -1},
		{protocol.KindMultiGet, -1, 3},
		{protocol.KindIncrement, -1, -1},
		{protocol.KindDelete, 1, -1},
		{protocol.KindSet, 1, 100},
	}
	for i, w := range want {
		if got := seq.Next(nil); got != w {
			t.Errorf("step %d: expected %+v, got %+v", i, w, got)
		}
	}
}

func TestParseTraceErrors(t *testing.T) {
	for _, input := range []string{"", "fetch 1", "get -3", "set 1 2 3", "# only comments\n"} {
		if _, err := ParseTrace(strings.NewReader(input)); !errors.Is(err, dist.ErrInvalidParameter) {
			t.Errorf("%q: expected ErrInvalidParameter, got %v", input, err)
		}
	}
}

func TestTraceValidateAndScale(t *testing.T) {
	tr, _ := ParseTrace(strings.NewReader("get 5\nget 9\n"))
	if err := tr.Validate(10); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tr.Validate(8); !errors.Is(err, dist.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}

	scaled := tr.Scaled(2, 20)
	seq := scaled.Sequencer(0)
	if s := seq.Next(nil); s.Key != 10 {
		t.Errorf("expected key 10, got %d", s.Key)
	}
	if s := seq.Next(nil); s.Key != 18 {
		t.Errorf("expected key 18, got %d", s.Key)
	}
}

func TestTraceWriteTo(t *testing.T) {
	tr, _ := ParseTrace(strings.NewReader(sampleTrace))
	var buf bytes.Buffer
	if _, err := tr.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	again, err := ParseTrace(&buf)
	if err != nil {
		t.Fatal(err)
	}
	a, b := tr.Sequencer(0), again.Sequencer(0)
	for i := 0; i < tr.Len(); i++ {
		if x, y := a.Next(nil), b.Next(nil); x != y {
			t.Errorf("step %d: %+v != %+v", i, x, y)
		}
	}
}

func TestTraceSequencerOffset(t *testing.T) {
	tr, _ := ParseTrace(strings.NewReader(sampleTrace))
	seq := tr.Sequencer(7)
	if s := seq.Next(nil); s.Kind != protocol.KindMultiGet {
		t.Errorf("expected offset 7 to start at step 2, got %v", s.Kind)
	}
}
