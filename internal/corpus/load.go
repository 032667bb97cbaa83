package corpus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zeebo/blake3"

	"github.com/happyhackingspace/chaincrf/crf"
)

// Options controls how data files are loaded.
type Options struct {
	Unlabeled bool
	// DropDuplicates skips sequences identical to one already loaded.
	DropDuplicates bool
	// Groups > 0 assigns instance i to group i % Groups across all files.
	// Otherwise every instance of the k-th file belongs to group k.
	Groups int
}

// Load reads every file in order. The path "-" reads standard input.
func Load(paths []string, opts Options) ([]crf.Instance, error) {
	var (
		instances []crf.Instance
		seen      = make(map[[32]byte]bool)
		dropped   int
	)
	for k, path := range paths {
		n := 0
		err := readPath(path, opts.Unlabeled, func(inst crf.Instance) error {
			if opts.DropDuplicates {
				sum, err := digest(inst)
				if err != nil {
					return err
				}
				if seen[sum] {
					dropped++
					return nil
				}
				seen[sum] = true
			}
			inst.Group = k
			if opts.Groups > 0 {
				inst.Group = len(instances) % opts.Groups
			}
			instances = append(instances, inst)
			n++
			return nil
		})
		if err != nil {
			return nil, err
		}
		slog.Debug("Loaded data file", "path", path, "instances", n)
	}
	if dropped > 0 {
		slog.Debug("Dropped duplicate sequences", "count", dropped)
	}
	return instances, nil
}

func readPath(path string, unlabeled bool, fn func(crf.Instance) error) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("corpus: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return ReadEach(r, path, unlabeled, fn)
}

// ReadEach decodes r and calls fn for every sequence. path is only used in
// error messages.
func ReadEach(r io.Reader, path string, unlabeled bool, fn func(crf.Instance) error) error {
	rd := NewReader(r, unlabeled)
	rd.path = path
	for {
		inst, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(inst); err != nil {
			return err
		}
	}
}

// ReadAll decodes every sequence of r.
func ReadAll(r io.Reader, unlabeled bool) ([]crf.Instance, error) {
	var out []crf.Instance
	err := ReadEach(r, "", unlabeled, func(inst crf.Instance) error {
		out = append(out, inst)
		return nil
	})
	return out, err
}

// digest hashes the canonical text form of inst.
func digest(inst crf.Instance) ([32]byte, error) {
	var buf bytes.Buffer
	if err := WriteInstance(&buf, inst); err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(buf.Bytes()), nil
}
