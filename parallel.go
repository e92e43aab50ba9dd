package pak

import "sync"

// parallelFor runs fn over [0, n) split into contiguous chunks, one per
// worker goroutine. Chunk ranges never overlap, so fn may write to disjoint
// slices of shared output arrays without synchronization. With numWorkers <= 1
// (or a trivially small n) it runs inline.
func parallelFor(numWorkers, n int, fn func(start, end int)) {
	if numWorkers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	rowsPerWorker := (n + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > n {
			end = n
		}
		if start >= n {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}

	wg.Wait()
}
