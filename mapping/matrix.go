package mapping

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-vp/tensor"
)

// Aggregation selects how native logits of one task class are combined.
type Aggregation int

const (
	// AggregateMean averages the native logit vectors of each task class.
	AggregateMean Aggregation = iota
	// AggregateFrequency counts how often each native class is the argmax.
	AggregateFrequency
)

func (a Aggregation) String() string {
	switch a {
	case AggregateMean:
		return "mean"
	case AggregateFrequency:
		return "frequency"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "", "mean":
		return AggregateMean, nil
	case "frequency":
		return AggregateFrequency, nil
	default:
		return 0, fmt.Errorf("unsupported aggregation %q", s)
	}
}

// BuildMatrix computes the numTask × C_native association matrix from
// native logits [N, C_native] and task labels. Task classes with no
// examples yield all-zero rows.
func BuildMatrix(logits *tensor.Tensor, labels []int32, numTask int, agg Aggregation) (*mat.Dense, error) {
	if numTask <= 0 {
		return nil, fmt.Errorf("number of task classes must be positive, got %d", numTask)
	}
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("expected native logits [N C], got %v", logits.Shape)
	}
	data, err := logits.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	n, numNative := logits.Shape[0], logits.Shape[1]
	if numNative == 0 {
		return nil, fmt.Errorf("native logits have no classes")
	}
	if len(labels) != n {
		return nil, fmt.Errorf("got %d labels for %d logit rows", len(labels), n)
	}
	for i, l := range labels {
		if l < 0 || int(l) >= numTask {
			return nil, fmt.Errorf("label %d at index %d outside [0, %d)", l, i, numTask)
		}
	}

	m := mat.NewDense(numTask, numNative, nil)
	switch agg {
	case AggregateMean:
		counts := make([]float64, numTask)
		row := make([]float64, numNative)
		for i := 0; i < n; i++ {
			for j, v := range data[i*numNative : (i+1)*numNative] {
				row[j] = float64(v)
			}
			floats.Add(m.RawRowView(int(labels[i])), row)
			counts[labels[i]]++
		}
		for i, c := range counts {
			if c > 0 {
				floats.Scale(1/c, m.RawRowView(i))
			}
		}
	case AggregateFrequency:
		preds, err := tensor.ArgMaxRows(logits)
		if err != nil {
			return nil, err
		}
		for i, p := range preds {
			l := int(labels[i])
			m.Set(l, p, m.At(l, p)+1)
		}
	default:
		return nil, fmt.Errorf("unsupported aggregation %s", agg)
	}
	return m, nil
}

// DeriveSequence turns an association matrix into a mapping sequence by
// greedy unique assignment: the largest remaining cell (i, j) assigns
// seq[i] = j and retires row i and column j. Ties go to the lowest row,
// then the lowest column. NaN cells are never preferred.
func DeriveSequence(m *mat.Dense) ([]int, error) {
	rows, cols := m.Dims()
	if rows == 0 {
		return nil, fmt.Errorf("matrix has no rows")
	}
	if rows > cols {
		return nil, fmt.Errorf("cannot assign %d task classes to %d native classes", rows, cols)
	}

	seq := make([]int, rows)
	rowDone := make([]bool, rows)
	colDone := make([]bool, cols)
	for step := 0; step < rows; step++ {
		bestR, bestC := -1, -1
		best := math.Inf(-1)
		for i := 0; i < rows; i++ {
			if rowDone[i] {
				continue
			}
			for j := 0; j < cols; j++ {
				if colDone[j] {
					continue
				}
				v := m.At(i, j)
				if math.IsNaN(v) {
					v = math.Inf(-1)
				}
				if bestR < 0 || v > best {
					best, bestR, bestC = v, i, j
				}
			}
		}
		seq[bestR] = bestC
		rowDone[bestR] = true
		colDone[bestC] = true
	}
	return seq, nil
}
