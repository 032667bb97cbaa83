// Package extract turns column-formatted token data (one token per line,
// a blank line between sentences, as in CoNLL files) into CRF attributes
// by applying feature templates.
//
// A template is a list of (field, offset) references. Applied at position
// t it yields the attribute "w[-1]|w[0]=He|reckons"; references that fall
// outside the sentence suppress the attribute.
package extract

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/happyhackingspace/chaincrf/crf"
	"github.com/happyhackingspace/chaincrf/internal/corpus"
	"github.com/happyhackingspace/chaincrf/internal/textutil"
)

// Ref selects a column at an offset from the current token.
type Ref struct {
	Field  string
	Offset int
}

// Template is a conjunction of column references.
type Template []Ref

// Name renders t as "w[-1]|w[0]".
func (t Template) Name() string {
	parts := make([]string, len(t))
	for i, r := range t {
		parts[i] = fmt.Sprintf("%s[%d]", r.Field, r.Offset)
	}
	return strings.Join(parts, "|")
}

// ParseTemplate parses the Name form, e.g. "pos[-1]|pos[0]".
func ParseTemplate(s string) (Template, error) {
	var t Template
	for _, part := range strings.Split(s, "|") {
		open := strings.IndexByte(part, '[')
		if open <= 0 || !strings.HasSuffix(part, "]") {
			return nil, fmt.Errorf("extract: bad template reference %q in %q", part, s)
		}
		off, err := strconv.Atoi(part[open+1 : len(part)-1])
		if err != nil {
			return nil, fmt.Errorf("extract: bad offset in %q: %w", part, err)
		}
		t = append(t, Ref{Field: part[:open], Offset: off})
	}
	return t, nil
}

func unigram(field string, off int) Template { return Template{{field, off}} }

// ChunkingTemplates returns the CRF++ chunking template set over the
// "w" and "pos" columns.
func ChunkingTemplates() []Template {
	var ts []Template
	for off := -2; off <= 2; off++ {
		ts = append(ts, unigram("w", off))
	}
	ts = append(ts,
		Template{{"w", -1}, {"w", 0}},
		Template{{"w", 0}, {"w", 1}},
	)
	for off := -2; off <= 2; off++ {
		ts = append(ts, unigram("pos", off))
	}
	for off := -2; off <= 1; off++ {
		ts = append(ts, Template{{"pos", off}, {"pos", off + 1}})
	}
	for off := -2; off <= 0; off++ {
		ts = append(ts, Template{{"pos", off}, {"pos", off + 1}, {"pos", off + 2}})
	}
	return ts
}

// Config describes the input columns and the attributes to generate.
type Config struct {
	Fields    []string // column names, in order
	Separator string   // column separator; empty splits on whitespace
	Label     string   // column holding the label; empty for unlabeled data
	Templates []Template
	// BOSEOS adds __BOS__ to the first and __EOS__ to the last token.
	BOSEOS bool
	// Word names the column used for shape, number-pattern and affix
	// attributes. Empty disables them.
	Word    string
	Affixes int // longest prefix and suffix, in runes
}

// DefaultConfig returns the chunking setup: "w pos y" columns separated by
// spaces, the chunking templates and BOS/EOS markers.
func DefaultConfig() Config {
	return Config{
		Fields:    []string{"w", "pos", "y"},
		Separator: " ",
		Label:     "y",
		Templates: ChunkingTemplates(),
		BOSEOS:    true,
	}
}

// Extractor applies a Config to token rows.
type Extractor struct {
	cfg   Config
	index map[string]int
	label int
	word  int
}

// New validates cfg and returns an extractor.
func New(cfg Config) (*Extractor, error) {
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("extract: no fields")
	}
	e := &Extractor{cfg: cfg, index: make(map[string]int), label: -1, word: -1}
	for i, f := range cfg.Fields {
		if _, dup := e.index[f]; dup {
			return nil, fmt.Errorf("extract: duplicate field %q", f)
		}
		e.index[f] = i
	}
	lookup := func(name string) (int, error) {
		i, ok := e.index[name]
		if !ok {
			return 0, fmt.Errorf("extract: unknown field %q", name)
		}
		return i, nil
	}
	var err error
	if cfg.Label != "" {
		if e.label, err = lookup(cfg.Label); err != nil {
			return nil, err
		}
	}
	if cfg.Word != "" {
		if e.word, err = lookup(cfg.Word); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.Templates {
		for _, r := range t {
			if _, err := lookup(r.Field); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// Extract builds the instance of one sentence. Every row must carry at
// least len(Fields) columns.
func (e *Extractor) Extract(rows [][]string) (crf.Instance, error) {
	for i, row := range rows {
		if len(row) < len(e.cfg.Fields) {
			return crf.Instance{}, fmt.Errorf("extract: too few fields (%d) for %v in row %d", len(row), e.cfg.Fields, i)
		}
	}

	var (
		seq    crf.Sequence
		labels []string
	)
	for t, row := range rows {
		feat := make(map[string]any)
		for _, tmpl := range e.cfg.Templates {
			if v, ok := e.values(rows, t, tmpl); ok {
				feat[tmpl.Name()] = v
			}
		}
		if e.cfg.BOSEOS {
			if t == 0 {
				feat["__BOS__"] = true
			}
			if t == len(rows)-1 {
				feat["__EOS__"] = true
			}
		}
		if e.word >= 0 {
			w := row[e.word]
			feat["shape"] = textutil.Shape(w)
			if p := textutil.NumberPattern(w, 0.3); p != "" {
				feat["num"] = p
			}
			if e.cfg.Affixes > 0 {
				pre, suf := textutil.Affixes(textutil.Normalize(w), e.cfg.Affixes)
				feat["prefix"] = pre
				feat["suffix"] = suf
			}
		}
		seq.AddItem(crf.FeaturesToAttributes(feat)...)
		if e.label >= 0 {
			labels = append(labels, row[e.label])
		}
	}
	if e.label < 0 {
		return crf.Instance{Items: seq}, nil
	}
	return crf.NewInstance(seq, labels), nil
}

func (e *Extractor) values(rows [][]string, t int, tmpl Template) (string, bool) {
	vals := make([]string, 0, len(tmpl))
	for _, r := range tmpl {
		p := t + r.Offset
		if p < 0 || p >= len(rows) {
			return "", false
		}
		vals = append(vals, rows[p][e.index[r.Field]])
	}
	return strings.Join(vals, "|"), true
}

// Convert reads column data from r and writes CRFsuite-format instances
// to w. It returns the number of sentences written.
func (e *Extractor) Convert(r io.Reader, w io.Writer) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	bw := bufio.NewWriter(w)

	var (
		rows [][]string
		n    int
		line int
	)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		inst, err := e.Extract(rows)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		rows = rows[:0]
		n++
		return corpus.WriteInstance(bw, inst)
	}

	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			if err := flush(); err != nil {
				return n, err
			}
			continue
		}
		rows = append(rows, textutil.SplitFields(text, e.cfg.Separator))
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	if err := flush(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}
