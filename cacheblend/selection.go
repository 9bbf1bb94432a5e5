package cacheblend

import (
	"cmp"
	"math"
	"slices"

	"cacheblend-go/purego/tensor"
)

// Selection is the set of true positions recomputed exactly for a request.
// Positions are strictly increasing and always end with every suffix position.
type Selection struct {
	positions   []int
	suffixStart int
	total       int
}

// Positions returns a copy of the selected positions
func (s Selection) Positions() []int {
	return slices.Clone(s.positions)
}

// Len returns the number of selected positions
func (s Selection) Len() int {
	return len(s.positions)
}

// Total returns total_tokens of the prompt the selection was made over
func (s Selection) Total() int {
	return s.total
}

// SuffixStart returns the first suffix position
func (s Selection) SuffixStart() int {
	return s.suffixStart
}

// Contains reports whether pos is selected
func (s Selection) Contains(pos int) bool {
	_, ok := slices.BinarySearch(s.positions, pos)
	return ok
}

// GenerationRows returns the indices within the selection of suffix positions
func (s Selection) GenerationRows() []int {
	first, _ := slices.BinarySearch(s.positions, s.suffixStart)
	rows := make([]int, 0, len(s.positions)-first)
	for i := first; i < len(s.positions); i++ {
		rows = append(rows, i)
	}
	return rows
}

// SelectionSize returns ceil((total - suffixLen) * ratio) + suffixLen
func SelectionSize(total, suffixLen int, ratio float64) int {
	return numRecompute(total-suffixLen, ratio) + suffixLen
}

// numRecompute is ceil(n * ratio) with a guard so products that are
// integers up to float rounding do not round up
func numRecompute(n int, ratio float64) int {
	k := int(math.Ceil(float64(n)*ratio - 1e-9))
	return max(0, min(k, n))
}

// RowDrift returns the squared L2 distance between matching rows
func RowDrift(fresh, cached *tensor.Tensor) ([]float64, error) {
	if fresh.Rows() != cached.Rows() || fresh.RowSize() != cached.RowSize() {
		return nil, shapeErr(-1, -1, cached.Rows(), fresh.Rows(), "drift over %v vs %v", fresh.Shape, cached.Shape)
	}
	drift := make([]float64, fresh.Rows())
	for i := range drift {
		a := fresh.Row(i)
		b := cached.Row(i)
		var sum float64
		for d := range a {
			diff := float64(a[d]) - float64(b[d])
			sum += diff * diff
		}
		drift[i] = sum
	}
	return drift, nil
}

// SelectImportant selects the positions whose fresh value rows drifted most
// from the cached rows, plus every suffix position
func SelectImportant(fresh, cached *tensor.Tensor, suffixLen int, ratio float64) (Selection, error) {
	drift, err := RowDrift(fresh, cached)
	if err != nil {
		return Selection{}, err
	}
	return SelectByDrift(drift, suffixLen, ratio)
}

// SelectByDrift ranks the non-suffix entries of drift and keeps the top
// ratio fraction. Ties go to the lower position and NaN ranks above every
// number. Suffix entries of drift are ignored.
func SelectByDrift(drift []float64, suffixLen int, ratio float64) (Selection, error) {
	total := len(drift)
	if err := validateRatio(ratio); err != nil {
		return Selection{}, err
	}
	if suffixLen < 0 || suffixLen >= total {
		return Selection{}, configErr("suffix_len", "%d leaves no room to select among %d tokens", suffixLen, total)
	}

	n := total - suffixLen
	k := numRecompute(n, ratio)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := compareDrift(drift[a], drift[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	positions := make([]int, 0, k+suffixLen)
	positions = append(positions, order[:k]...)
	slices.Sort(positions)
	for p := n; p < total; p++ {
		positions = append(positions, p)
	}

	return Selection{positions: positions, suffixStart: n, total: total}, nil
}

// compareDrift orders descending with NaN first
func compareDrift(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	}
	return cmp.Compare(b, a)
}

// NewSelection builds a selection from explicit positions. Positions are
// sorted, deduplicated and unioned with the suffix.
func NewSelection(positions []int, total, suffixLen int) (Selection, error) {
	if suffixLen < 0 || suffixLen >= total {
		return Selection{}, configErr("suffix_len", "%d leaves no room to select among %d tokens", suffixLen, total)
	}
	n := total - suffixLen
	out := make([]int, 0, len(positions)+suffixLen)
	for _, p := range positions {
		if p < 0 || p >= total {
			return Selection{}, shapeErr(-1, -1, total, p, "selected position out of range")
		}
		if p < n {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	for p := n; p < total; p++ {
		out = append(out, p)
	}
	return Selection{positions: out, suffixStart: n, total: total}, nil
}

// CompareSelections returns the Jaccard overlap of the non-suffix positions
// of two selections. Two empty sets overlap fully.
func CompareSelections(a, b Selection) float64 {
	pa := a.positions[:a.numNonSuffix()]
	pb := b.positions[:b.numNonSuffix()]
	if len(pa) == 0 && len(pb) == 0 {
		return 1
	}

	inter := 0
	i, j := 0, 0
	for i < len(pa) && j < len(pb) {
		switch {
		case pa[i] == pb[j]:
			inter++
			i++
			j++
		case pa[i] < pb[j]:
			i++
		default:
			j++
		}
	}
	union := len(pa) + len(pb) - inter
	return float64(inter) / float64(union)
}

// numNonSuffix returns the number of non-suffix positions
func (s Selection) numNonSuffix() int {
	n, _ := slices.BinarySearch(s.positions, s.suffixStart)
	return n
}
