package corpus

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/happyhackingspace/chaincrf/crf"
)

const sample = "B-NP\tw=He\tpos=PRP\n" +
	"B-VP\tw=reckons\tpos=VBZ:0.5\n" +
	"\n" +
	"\n" +
	"# a comment line\n" +
	"O\tw=\\:)\tw\\\\x\t# trailing\n" +
	"I-NP\n"

func names(item crf.Item) []string {
	out := make([]string, len(item))
	for i, a := range item {
		out[i] = a.Name
	}
	return out
}

func TestReaderLabeled(t *testing.T) {
	insts, err := ReadAll(strings.NewReader(sample), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 2 {
		t.Fatalf("got %d instances, want 2", len(insts))
	}

	first := insts[0]
	if !reflect.DeepEqual(first.Labels, []string{"B-NP", "B-VP"}) {
		t.Errorf("labels = %v", first.Labels)
	}
	if got := names(first.Items.Item(1)); !reflect.DeepEqual(got, []string{"w=reckons", "pos=VBZ"}) {
		t.Errorf("item 1 attributes = %v", got)
	}
	if v := first.Items.Item(1)[1].Value; v != 0.5 {
		t.Errorf("weighted attribute value = %f, want 0.5", v)
	}
	if v := first.Items.Item(0)[0].Value; v != 1 {
		t.Errorf("default attribute value = %f, want 1", v)
	}

	second := insts[1]
	if !reflect.DeepEqual(second.Labels, []string{"O", "I-NP"}) {
		t.Errorf("labels = %v", second.Labels)
	}
	if got := names(second.Items.Item(0)); !reflect.DeepEqual(got, []string{"w=:)", `w\x`}) {
		t.Errorf("escaped attributes = %q", got)
	}
	if n := len(second.Items.Item(1)); n != 0 {
		t.Errorf("label-only item has %d attributes", n)
	}
}

func TestReaderUnlabeled(t *testing.T) {
	insts, err := ReadAll(strings.NewReader("a\tb\nc\n\nd\n"), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 2 {
		t.Fatalf("got %d instances, want 2", len(insts))
	}
	if insts[0].Labels != nil {
		t.Errorf("unlabeled instance has labels %v", insts[0].Labels)
	}
	if got := names(insts[0].Items.Item(0)); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("attributes = %v", got)
	}
	if insts[1].Items.Len() != 1 {
		t.Errorf("second instance length = %d, want 1", insts[1].Items.Len())
	}
}

func TestReaderItemWithoutAttributes(t *testing.T) {
	insts, err := ReadAll(strings.NewReader("a\n\t\nb\n"), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 1 {
		t.Fatalf("got %d instances, want 1", len(insts))
	}
	if n := insts[0].Items.Len(); n != 3 {
		t.Fatalf("instance length = %d, want 3", n)
	}
	if got := insts[0].Items.Item(1); len(got) != 0 {
		t.Errorf("middle item = %v, want no attributes", names(got))
	}

	insts, err = ReadAll(strings.NewReader("A\tx\nB\t\n"), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 1 || !reflect.DeepEqual(insts[0].Labels, []string{"A", "B"}) {
		t.Fatalf("labeled read = %+v", insts)
	}
}

func TestReaderSyntaxError(t *testing.T) {
	_, err := ReadAll(strings.NewReader("A\tx\n\nB\ty:abc\n"), false)
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SyntaxError", err)
	}
	if se.Line != 3 {
		t.Errorf("line = %d, want 3", se.Line)
	}
}

func TestReaderEmpty(t *testing.T) {
	insts, err := ReadAll(strings.NewReader("\n\n# only comments\n"), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 0 {
		t.Errorf("got %d instances, want 0", len(insts))
	}
}

func TestParseAttribute(t *testing.T) {
	tests := []struct {
		field string
		want  crf.Attribute
	}{
		{"plain", crf.Attr("plain")},
		{"w:2.5", crf.WeightedAttr("w", 2.5)},
		{`a\:b`, crf.Attr("a:b")},
		{`a\:b:-1`, crf.WeightedAttr("a:b", -1)},
		{`back\\slash`, crf.Attr(`back\slash`)},
		{`odd\q`, crf.Attr(`odd\q`)},
	}
	for _, tt := range tests {
		got, err := ParseAttribute(tt.field)
		if err != nil {
			t.Errorf("ParseAttribute(%q): %v", tt.field, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAttribute(%q) = %+v, want %+v", tt.field, got, tt.want)
		}
	}
	if _, err := ParseAttribute("w:"); err == nil {
		t.Error("empty weight should fail")
	}
}

func TestWriteInstance(t *testing.T) {
	var seq crf.Sequence
	seq.AddItem(crf.Attr("a:b"), crf.WeightedAttr(`c\d`, 0.25))
	seq.AddItem()
	inst := crf.NewInstance(seq, []string{"X", "Y"})

	var buf bytes.Buffer
	if err := WriteInstance(&buf, inst); err != nil {
		t.Fatal(err)
	}
	want := "X\ta\\:b\tc\\\\d:0.25\nY\n\n"
	if buf.String() != want {
		t.Errorf("WriteInstance = %q, want %q", buf.String(), want)
	}

	back, err := ReadAll(&buf, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 1 || !reflect.DeepEqual(back[0].Labels, inst.Labels) {
		t.Fatalf("read back %+v", back)
	}
	if !reflect.DeepEqual(back[0].Items.Item(0), seq.Item(0)) {
		t.Errorf("attributes = %+v, want %+v", back[0].Items.Item(0), seq.Item(0))
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(a, []byte("A\tx\n\nB\ty\n\nA\tx\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("B\tz\n"), 0644); err != nil {
		t.Fatal(err)
	}

	insts, err := Load([]string{a, b}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	var groups []int
	for _, inst := range insts {
		groups = append(groups, inst.Group)
	}
	if !reflect.DeepEqual(groups, []int{0, 0, 0, 1}) {
		t.Errorf("per-file groups = %v", groups)
	}

	insts, err = Load([]string{a, b}, Options{DropDuplicates: true, Groups: 2})
	if err != nil {
		t.Fatal(err)
	}
	groups = groups[:0]
	for _, inst := range insts {
		groups = append(groups, inst.Group)
	}
	if !reflect.DeepEqual(groups, []int{0, 1, 0}) {
		t.Errorf("round-robin groups without duplicates = %v", groups)
	}

	if _, err := Load([]string{filepath.Join(dir, "missing")}, Options{}); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(bad, []byte("A\tq:zz\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = Load([]string{bad}, Options{})
	var se *SyntaxError
	if !errors.As(err, &se) || se.Path != bad || se.Line != 1 {
		t.Errorf("err = %v, want syntax error at %s:1", err, bad)
	}
}
