// Package corpus reads labeled and unlabeled sequences in the CRFsuite text
// format.
//
// Each non-empty line is one item: tab-separated fields, the first of which
// is the label unless the data is unlabeled. An attribute field is
// "name" or "name:weight"; in names "\:" stands for a colon and "\\" for a
// backslash. A field starting with '#' comments out the rest of the line.
// A blank line ends the current sequence.
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/happyhackingspace/chaincrf/crf"
)

const maxLine = 16 << 20

// SyntaxError reports a malformed line.
type SyntaxError struct {
	Path string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corpus: %s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("corpus: line %d: %s", e.Line, e.Msg)
}

// Reader decodes sequences from a stream one at a time.
type Reader struct {
	sc        *bufio.Scanner
	path      string
	unlabeled bool
	line      int
}

// NewReader returns a reader over r. With unlabeled set, every field of a
// line is an attribute and the returned instances carry no labels.
func NewReader(r io.Reader, unlabeled bool) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &Reader{sc: sc, unlabeled: unlabeled}
}

// Read returns the next sequence, or io.EOF when the input is exhausted.
func (r *Reader) Read() (crf.Instance, error) {
	var (
		seq    crf.Sequence
		labels []string
		seen   bool
	)
	for r.sc.Scan() {
		r.line++
		line := strings.TrimRight(r.sc.Text(), "\r")
		if line == "" {
			if seen {
				break
			}
			continue
		}
		label, attrs, ok, err := r.parseLine(line)
		if err != nil {
			return crf.Instance{}, err
		}
		if !ok {
			continue
		}
		seen = true
		seq.AddItem(attrs...)
		if !r.unlabeled {
			labels = append(labels, label)
		}
	}
	if err := r.sc.Err(); err != nil {
		return crf.Instance{}, fmt.Errorf("corpus: read: %w", err)
	}
	if !seen {
		return crf.Instance{}, io.EOF
	}
	if r.unlabeled {
		return crf.Instance{Items: seq}, nil
	}
	return crf.Instance{Items: seq, Labels: labels}, nil
}

// parseLine splits one item line. ok is false for comment-only lines; a line
// of empty fields is an item without attributes.
func (r *Reader) parseLine(line string) (label string, attrs []crf.Attribute, ok bool, err error) {
	fields := strings.Split(line, "\t")
	first := true
	for _, f := range fields {
		if strings.HasPrefix(f, "#") {
			break
		}
		ok = true
		if first && !r.unlabeled {
			label = unescape(f)
			first = false
			continue
		}
		first = false
		if f == "" {
			continue
		}
		a, err := ParseAttribute(f)
		if err != nil {
			return "", nil, false, &SyntaxError{Path: r.path, Line: r.line, Msg: err.Error()}
		}
		attrs = append(attrs, a)
	}
	return label, attrs, ok, nil
}

// ParseAttribute decodes a "name[:weight]" field.
func ParseAttribute(field string) (crf.Attribute, error) {
	var name strings.Builder
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case c == '\\' && i+1 < len(field) && (field[i+1] == ':' || field[i+1] == '\\'):
			i++
			name.WriteByte(field[i])
		case c == ':':
			v, err := strconv.ParseFloat(field[i+1:], 64)
			if err != nil {
				return crf.Attribute{}, fmt.Errorf("bad weight in %q", field)
			}
			return crf.WeightedAttr(name.String(), v), nil
		default:
			name.WriteByte(c)
		}
	}
	return crf.Attr(name.String()), nil
}

// FormatAttribute encodes a as a field that ParseAttribute reads back.
// The weight is omitted when it is 1.
func FormatAttribute(a crf.Attribute) string {
	name := escape(a.Name)
	if a.Value == 1 {
		return name
	}
	return name + ":" + strconv.FormatFloat(a.Value, 'g', -1, 64)
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == ':' || s[i+1] == '\\') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

func escape(s string) string {
	return escaper.Replace(s)
}

// WriteInstance writes inst in the format Reader reads, followed by the
// blank line that ends a sequence. Unlabeled instances are written without
// a label column.
func WriteInstance(w io.Writer, inst crf.Instance) error {
	bw := bufio.NewWriter(w)
	for t := range inst.Items.Len() {
		sep := ""
		if inst.Labels != nil {
			bw.WriteString(escape(inst.Labels[t]))
			sep = "\t"
		}
		for _, a := range inst.Items.Item(t) {
			bw.WriteString(sep)
			bw.WriteString(FormatAttribute(a))
			sep = "\t"
		}
		bw.WriteByte('\n')
	}
	bw.WriteByte('\n')
	return bw.Flush()
}
