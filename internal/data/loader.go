package data

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// Batch is a contiguous slice of one epoch's ordering.
type Batch struct {
	Index     int
	Molecules []*Molecule
	Targets   []float64
}

// Size returns the number of molecules in the batch.
func (b *Batch) Size() int {
	return len(b.Molecules)
}

// LoaderOptions configures batching.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// Workers bounds how many assembled batches may wait ahead of the consumer.
	Workers int
	Target  string
}

// Loader batches a split. With shuffling enabled, the permutation for an
// epoch depends only on (Seed, epoch), so a resumed run replays the same order.
type Loader struct {
	split *Split
	opts  LoaderOptions
}

// NewLoader creates a loader over split.
func NewLoader(split *Split, opts LoaderOptions) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader{split: split, opts: opts}
}

// Split returns the underlying split.
func (l *Loader) Split() *Split {
	return l.split
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.split.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Order returns the molecule order for epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.split.Len()
	if !l.opts.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(epochSeed(l.opts.Seed, epoch))).Perm(n)
}

// Iterate delivers the batches of epoch to fn in order. Batches are
// assembled ahead by a producer goroutine; the first error from fn, the
// producer or ctx stops the iteration.
func (l *Loader) Iterate(ctx context.Context, epoch int, fn func(*Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan *Batch, l.opts.Workers)

	g.Go(func() error {
		defer close(batches)
		order := l.Order(epoch)
		for i := 0; i < l.Len(); i++ {
			lo := i * l.opts.BatchSize
			hi := min(lo+l.opts.BatchSize, len(order))
			b := l.collate(i, order[lo:hi])
			select {
			case batches <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var ferr error
	for b := range batches {
		if ferr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			ferr = err
			cancel()
			continue
		}
		if err := fn(b); err != nil {
			ferr = err
			cancel()
		}
	}

	gerr := g.Wait()
	if ferr != nil {
		return ferr
	}
	return gerr
}

func (l *Loader) collate(index int, idx []int) *Batch {
	b := &Batch{
		Index:     index,
		Molecules: make([]*Molecule, len(idx)),
		Targets:   make([]float64, len(idx)),
	}
	for i, j := range idx {
		m := l.split.Molecules[j]
		b.Molecules[i] = m
		b.Targets[i] = m.Targets[l.opts.Target]
	}
	return b
}

func epochSeed(seed int64, epoch int) int64 {
	x := uint64(seed) + 0x9E3779B97F4A7C15*uint64(epoch+1)
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return int64(x ^ (x >> 31))
}
