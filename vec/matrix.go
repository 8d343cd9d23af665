package vec

import (
	"fmt"
	"math"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/compute"
	"github.com/gomlx/clvec/dtypes"
)

// Matrix is a rows x cols Vector in row-major order. Its operations are elementwise, and require both
// operands to have the same shape.
type Matrix[T dtypes.Supported] struct {
	*Vector[T]
	rows, cols int
}

// NewMatrix creates a rows x cols Matrix with a copy of values, in row-major order, bound to ctx.
func NewMatrix[T dtypes.Supported](ctx *compute.Context[T], rows, cols int, values []T) (*Matrix[T], error) {
	if rows < 0 || cols < 0 {
		return nil, clvec.Errorf(clvec.InvalidArgument, "new-matrix", "invalid matrix shape %dx%d", rows, cols)
	}
	if cols != 0 && rows > math.MaxInt/cols {
		return nil, clvec.Errorf(clvec.InvalidArgument, "new-matrix", "matrix shape %dx%d overflows", rows, cols)
	}
	if rows*cols != len(values) {
		return nil, clvec.Errorf(clvec.SizeMismatch, "new-matrix", "%d values given for a %dx%d matrix",
			len(values), rows, cols)
	}
	v, err := New(ctx, values)
	if err != nil {
		return nil, err
	}
	return &Matrix[T]{Vector: v, rows: rows, cols: cols}, nil
}

// Rows of the Matrix.
func (m *Matrix[T]) Rows() int {
	return m.rows
}

// Cols of the Matrix.
func (m *Matrix[T]) Cols() int {
	return m.cols
}

// AtRC returns the element at row r, column c.
func (m *Matrix[T]) AtRC(r, c int) T {
	return m.values[r*m.cols+c]
}

// elementwise applies op to the underlying vectors, after checking the shapes match.
func (m *Matrix[T]) elementwise(name string, rhs *Matrix[T], op func(lhs, rhs *Vector[T]) (*Vector[T], error)) (*Matrix[T], error) {
	if m.rows != rhs.rows || m.cols != rhs.cols {
		return nil, clvec.Errorf(clvec.SizeMismatch, name, "matrices have different shapes: %dx%d and %dx%d",
			m.rows, m.cols, rhs.rows, rhs.cols)
	}
	v, err := op(m.Vector, rhs.Vector)
	if err != nil {
		return nil, err
	}
	return &Matrix[T]{Vector: v, rows: m.rows, cols: m.cols}, nil
}

// Add returns a new Matrix with the elementwise sum.
func (m *Matrix[T]) Add(rhs *Matrix[T]) (*Matrix[T], error) {
	return m.elementwise("add", rhs, (*Vector[T]).Add)
}

// Sub returns a new Matrix with the elementwise difference.
func (m *Matrix[T]) Sub(rhs *Matrix[T]) (*Matrix[T], error) {
	return m.elementwise("sub", rhs, (*Vector[T]).Sub)
}

// Mul returns a new Matrix with the elementwise (Hadamard) product.
func (m *Matrix[T]) Mul(rhs *Matrix[T]) (*Matrix[T], error) {
	return m.elementwise("mul", rhs, (*Vector[T]).Mul)
}

// Div returns a new Matrix with the elementwise quotient.
func (m *Matrix[T]) Div(rhs *Matrix[T]) (*Matrix[T], error) {
	return m.elementwise("div", rhs, (*Vector[T]).Div)
}

// String implements fmt.Stringer.
func (m *Matrix[T]) String() string {
	return fmt.Sprintf("Matrix[%s](%dx%d)%v", m.DType(), m.rows, m.cols, m.values)
}
