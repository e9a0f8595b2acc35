package dist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadTable はCDFテーブルファイルを読み込み経験分布を作成する
// 各行は "値 累積確率" または "値,累積確率"、'#' 以降はコメント
func LoadTable(path string) (*Distribution, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	table, err := ParseTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewEmpirical(table)
}

// ParseTable はCDFテーブルを解析する
func ParseTable(r io.Reader) ([]Point, error) {
	var table []Point
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %d: expected 2 fields, got %d", ErrInvalidParameter, line, len(fields))
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: value: %v", ErrInvalidParameter, line, err)
		}
		p, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: probability: %v", ErrInvalidParameter, line, err)
		}
		table = append(table, Point{Value: v, Prob: p})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// WriteTable はCDFテーブルを ParseTable が読める形式で書き出す
func WriteTable(w io.Writer, table []Point) error {
	bw := bufio.NewWriter(w)
	for _, p := range table {
		if _, err := fmt.Fprintf(bw, "%s,%s\n",
			strconv.FormatFloat(p.Value, 'g', -1, 64),
			strconv.FormatFloat(p.Prob, 'g', -1, 64)); err != nil {
			return err
		}
	}
	return bw.Flush()
}
