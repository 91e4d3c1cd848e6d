package dataset

import "math/rand/v2"

// Sampler decides the order in which a source's lines are visited in an epoch.
type Sampler interface {
	Indices(epoch, n int) []int
}

// SequentialSampler visits lines in file order.
type SequentialSampler struct{}

// Indices implements Sampler.
func (SequentialSampler) Indices(_, n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// RandomSampler visits lines in a random order, different every epoch and reproducible for a given seed.
type RandomSampler struct {
	Seed uint64
}

// Indices implements Sampler.
func (s RandomSampler) Indices(epoch, n int) []int {
	rng := rand.New(rand.NewPCG(s.Seed, uint64(epoch)))
	return rng.Perm(n)
}
