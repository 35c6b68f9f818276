package audio

// Accumulator buffers captured blocks until a full chunk is available.
//
// Samples are released in arrival order. Every sample pushed is returned
// exactly once, either inside a chunk from TryRelease or in the remainder from
// DrainRemainder. Accumulator is not safe for concurrent use; the capture
// pump owns it.
type Accumulator struct {
	pending [][]float32
	// head is the read offset into pending[0]; samples before it were already released.
	head  int
	count int
	total int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Push copies block into the pending buffer. The caller may reuse block after
// Push returns.
func (a *Accumulator) Push(block []float32) {
	if len(block) == 0 {
		return
	}
	buf := make([]float32, len(block))
	copy(buf, block)
	a.pending = append(a.pending, buf)
	a.count += len(buf)
	a.total += len(buf)
}

// Pending reports how many samples have not been released yet.
func (a *Accumulator) Pending() int {
	return a.count
}

// Total reports how many samples have been pushed since creation.
func (a *Accumulator) Total() int {
	return a.total
}

// TryRelease returns exactly threshold samples once that many are pending and
// nil otherwise. Samples beyond the threshold stay pending for the next chunk,
// so callers should loop until nil when a single push may cover several
// chunks.
func (a *Accumulator) TryRelease(threshold int) []float32 {
	if threshold <= 0 || a.count < threshold {
		return nil
	}
	return a.take(threshold)
}

// DrainRemainder returns every pending sample, possibly none, and leaves the
// accumulator empty.
func (a *Accumulator) DrainRemainder() []float32 {
	return a.take(a.count)
}

func (a *Accumulator) take(n int) []float32 {
	out := make([]float32, 0, n)
	for len(out) < n {
		block := a.pending[0][a.head:]
		need := n - len(out)
		if len(block) <= need {
			out = append(out, block...)
			a.pending[0] = nil
			a.pending = a.pending[1:]
			a.head = 0
			continue
		}
		out = append(out, block[:need]...)
		a.head += need
	}
	a.count -= n
	if a.count == 0 {
		a.pending = nil
		a.head = 0
	}
	return out
}
