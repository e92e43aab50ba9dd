package pak

import "sort"

// computeNeighborTable builds the n x (maxk+1) sorted neighbor table from
// flat row-major coordinates by brute force. Row i holds the maxk nearest
// neighbors of point i by increasing distance, with the point itself at
// column 0. Rows are computed independently across workers.
func computeNeighborTable(data []float64, n, dims, maxk int, metric DistanceMetric, numWorkers int) ([]float64, []int) {
	cols := maxk + 1
	dist := make([]float64, n*cols)
	idx := make([]int, n*cols)

	parallelFor(numWorkers, n, func(start, end int) {
		row := make([]float64, n)
		order := make([]int, n)
		for i := start; i < end; i++ {
			xi := data[i*dims : (i+1)*dims]
			for j := 0; j < n; j++ {
				if j == i {
					row[j] = 0
					continue
				}
				row[j] = metric.Distance(xi, data[j*dims:(j+1)*dims])
			}
			selectNearest(row, order, i, cols, dist[i*cols:(i+1)*cols], idx[i*cols:(i+1)*cols])
		}
	})

	return dist, idx
}

// neighborTableFromMatrix converts a full n x n distance matrix (flat
// row-major) into the sorted neighbor table representation.
func neighborTableFromMatrix(distMatrix []float64, n, maxk, numWorkers int) ([]float64, []int) {
	cols := maxk + 1
	dist := make([]float64, n*cols)
	idx := make([]int, n*cols)

	parallelFor(numWorkers, n, func(start, end int) {
		order := make([]int, n)
		for i := start; i < end; i++ {
			selectNearest(distMatrix[i*n:(i+1)*n], order, i, cols, dist[i*cols:(i+1)*cols], idx[i*cols:(i+1)*cols])
		}
	})

	return dist, idx
}

// selectNearest fills one table row from a full distance row: self first,
// then the cols-1 nearest other points by increasing distance. order is
// scratch space of length len(row).
func selectNearest(row []float64, order []int, self, cols int, distOut []float64, idxOut []int) {
	m := 0
	for j := range row {
		if j != self {
			order[m] = j
			m++
		}
	}
	order = order[:m]
	sort.Slice(order, func(a, b int) bool { return row[order[a]] < row[order[b]] })

	distOut[0] = 0
	idxOut[0] = self
	for c := 1; c < cols; c++ {
		distOut[c] = row[order[c-1]]
		idxOut[c] = order[c-1]
	}
}
