package dataset

import (
	"context"
	"iter"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"github.com/wimlds/tokclass/preprocess"
	"k8s.io/klog/v2"
)

// LoaderOptions configure a Loader.
type LoaderOptions struct {
	// BatchSize is the maximum number of examples per batch. The last batch may be smaller.
	BatchSize int

	// NumWorkers bounds the number of lines preprocessed in parallel. Defaults to runtime.NumCPU().
	NumWorkers int

	// Sampler orders the lines, SequentialSampler if nil.
	Sampler Sampler
}

// Loader serves a Source as batches of preprocessed examples.
type Loader struct {
	name string
	src  Source
	pre  *preprocess.Preprocessor
	opts LoaderOptions
}

// NewLoader creates a Loader. The name is used in logs and errors.
func NewLoader(name string, src Source, pre *preprocess.Preprocessor, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("%s loader: batch size must be positive, got %d", name, opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = runtime.NumCPU()
	}
	if opts.Sampler == nil {
		opts.Sampler = SequentialSampler{}
	}
	return &Loader{name: name, src: src, pre: pre, opts: opts}, nil
}

// Name of the loader.
func (l *Loader) Name() string { return l.name }

// NumExamples is the number of lines in the source.
func (l *Loader) NumExamples() int { return l.src.Len() }

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.src.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Batches iterates over the batches of an epoch. Iteration stops at the first error, which is yielded.
// A summary of truncated lines is logged once the epoch is over.
func (l *Loader) Batches(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		defer l.logTruncations(epoch)
		indices := l.opts.Sampler.Indices(epoch, l.src.Len())
		for start := 0; start < len(indices); start += l.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			end := min(start+l.opts.BatchSize, len(indices))
			examples, err := l.process(ctx, indices[start:end])
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(NewBatch(examples), nil) {
				return
			}
		}
	}
}

// process preprocesses the lines at indices concurrently, keeping their order.
func (l *Loader) process(ctx context.Context, indices []int) ([]preprocess.Example, error) {
	examples := make([]preprocess.Example, len(indices))
	p := pool.New().WithMaxGoroutines(l.opts.NumWorkers).WithContext(ctx).WithCancelOnError()
	for i, idx := range indices {
		p.Go(func(ctx context.Context) error {
			line, err := l.src.Line(idx)
			if err != nil {
				return err
			}
			examples[i], err = l.pre.Process(line)
			if err != nil {
				return errors.WithMessagef(err, "%s line %d", l.name, idx)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return examples, nil
}

func (l *Loader) logTruncations(epoch int) {
	stats := l.pre.TakeStats()
	if stats.Truncated > 0 {
		klog.Warningf("%s epoch %d: %d of %d examples truncated to max_len=%d",
			l.name, epoch, stats.Truncated, stats.Processed, l.pre.MaxLen())
	}
}
