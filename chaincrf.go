// Package chaincrf trains and applies linear-chain CRF sequence labelers.
//
// It reads training data in the CRFsuite text format, one item per line and
// a blank line between sequences, and stores models in the crf binary format.
//
//	l, _ := chaincrf.Learn(ctx, []string{"train.txt"}, nil)
//	_ = l.Save("model.crf")
//	res, _ := l.Tag(seq)
//	fmt.Println(res.Labels, res.Probability)
package chaincrf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/happyhackingspace/chaincrf/crf"
)

// DefaultModelName is the file New looks for.
const DefaultModelName = "model.crf"

// Labeler wraps a trained CRF model.
type Labeler struct {
	model *crf.Model
}

// NewLabeler wraps an existing model.
func NewLabeler(m *crf.Model) *Labeler {
	return &Labeler{model: m}
}

// New loads DefaultModelName, searching the current directory and its
// parents up to the module root (where go.mod lives), then ModelDir.
func New() (*Labeler, error) {
	path, err := findModel(DefaultModelName)
	if err != nil {
		return nil, fmt.Errorf("chaincrf: %w", err)
	}
	return Load(path)
}

// ModelDir returns the per-user directory for cached models.
func ModelDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".chaincrf"
	}
	return filepath.Join(dir, "chaincrf")
}

func findModel(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		// Stop at module root
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if path := filepath.Join(ModelDir(), name); fileExists(path) {
		return path, nil
	}
	return "", fmt.Errorf("%s not found", name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads a model file written by Save. Files ending in ".xz" may be
// compressed; the format is detected from the content.
func Load(path string) (*Labeler, error) {
	m, err := crf.LoadModel(path)
	if err != nil {
		return nil, fmt.Errorf("chaincrf: %w", err)
	}
	return &Labeler{model: m}, nil
}

// Save writes the model to path, xz-compressed if path ends in ".xz".
func (l *Labeler) Save(path string) error {
	if l.model == nil {
		return fmt.Errorf("chaincrf: labeler not initialized")
	}
	if err := crf.SaveModel(l.model, path); err != nil {
		return fmt.Errorf("chaincrf: %w", err)
	}
	return nil
}

// Model returns the underlying model.
func (l *Labeler) Model() *crf.Model {
	return l.model
}

// Labels returns the label set in model order.
func (l *Labeler) Labels() []string {
	if l.model == nil {
		return nil
	}
	return l.model.Labels.Strings()
}

// Tag returns the best label path of seq with its probability and marginals.
func (l *Labeler) Tag(seq crf.Sequence) (crf.Result, error) {
	if l.model == nil {
		return crf.Result{}, fmt.Errorf("chaincrf: labeler not initialized")
	}
	res, err := l.model.Tag(seq)
	if err != nil {
		return crf.Result{}, fmt.Errorf("chaincrf: %w", err)
	}
	return res, nil
}

// TagAll tags seqs on up to workers goroutines (GOMAXPROCS when workers <= 0).
// Results are in input order. Cancelling ctx stops handing out work.
func (l *Labeler) TagAll(ctx context.Context, seqs []crf.Sequence, workers int) ([]crf.Result, error) {
	if l.model == nil {
		return nil, fmt.Errorf("chaincrf: labeler not initialized")
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(1, min(workers, len(seqs)))

	results := make([]crf.Result, len(seqs))
	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tg := l.model.NewTagger()
			for i := range jobs {
				res, err := tagOne(tg, seqs[i])
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("chaincrf: sequence %d: %w", i, err)
					}
					mu.Unlock()
					continue
				}
				results[i] = res
			}
		}()
	}

feed:
	for i := range seqs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func tagOne(tg *crf.Tagger, seq crf.Sequence) (crf.Result, error) {
	labels, p, err := tg.Tag(seq)
	if err != nil {
		return crf.Result{}, err
	}
	marginals, err := tg.Marginals()
	if err != nil {
		return crf.Result{}, err
	}
	return crf.Result{Labels: labels, Probability: p, Marginals: marginals}, nil
}
