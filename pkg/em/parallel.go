package em

import (
	"sync"
)

// ProgressCallback reports progress of long voxel passes
type ProgressCallback func(completed, total int, message string)

// chunksPerWorker splits passes finer than the worker count so that progress
// is reported smoothly
const chunksPerWorker = 4

// voxelRange is a half-open interval of linear voxel indices
type voxelRange struct {
	lo, hi int
}

// split divides [0, n) into contiguous ranges. Passes writing to sparse
// storage run as a single range.
func (e *EM) split(n int, writes bool) []voxelRange {
	workers := e.workers
	if workers < 1 || (writes && !e.concurrentWrites()) {
		workers = 1
	}

	count := workers * chunksPerWorker
	if workers == 1 {
		count = 1
	}
	if count > n {
		count = n
	}
	if count < 1 {
		count = 1
	}

	ranges := make([]voxelRange, count)
	size := n / count
	rest := n % count
	lo := 0
	for c := range ranges {
		hi := lo + size
		if c < rest {
			hi++
		}
		ranges[c] = voxelRange{lo, hi}
		lo = hi
	}
	return ranges
}

// run calls fn for every range using up to e.workers goroutines and reports
// progress as ranges complete
func (e *EM) run(ranges []voxelRange, message string, fn func(c int, r voxelRange)) {
	if len(ranges) == 1 {
		fn(0, ranges[0])
		e.reportProgress(1, 1, message)
		return
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0

	jobs := make(chan int)
	workers := e.workers
	if workers > len(ranges) {
		workers = len(ranges)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				fn(c, ranges[c])

				mu.Lock()
				completed++
				e.reportProgress(completed, len(ranges), message)
				mu.Unlock()
			}
		}()
	}

	for c := range ranges {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
}

func (e *EM) concurrentWrites() bool {
	if e.posterior != nil && !e.posterior.ConcurrentWrites() {
		return false
	}
	if e.prior != nil && !e.prior.ConcurrentWrites() {
		return false
	}
	return true
}

func (e *EM) reportProgress(completed, total int, message string) {
	if e.progress != nil {
		e.progress(completed, total, message)
	}
}
