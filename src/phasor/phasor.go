// Package phasor provides fixed-size three-phase complex vectors and 3x3
// matrices for network transform calculations.
package phasor

import (
	"errors"
	"math"
	"math/cmplx"
)

// ErrSingular is returned when inverting a matrix with a zero determinant.
var ErrSingular = errors.New("phasor: singular matrix")

// singularTolerance scales the determinant check against the matrix magnitude
const singularTolerance = 1e-12

// Names of the three phases, indexed like Vec and Matrix rows
var Names = [3]string{"A", "B", "C"}

// Vec is a three-phase quantity, one complex value per phase
type Vec [3]complex128

// Matrix is a 3x3 complex matrix indexed [row][col]
type Matrix [3][3]complex128

// Identity returns the 3x3 identity matrix.
func Identity() Matrix {
	return Diag(1, 1, 1)
}

// Diag returns a diagonal matrix with a, b, c on the diagonal.
func Diag(a, b, c complex128) Matrix {
	var m Matrix
	m[0][0], m[1][1], m[2][2] = a, b, c
	return m
}

// Mul returns the matrix product m·n.
func (m Matrix) Mul(n Matrix) Matrix {
	var out Matrix
	for i := range 3 {
		for j := range 3 {
			var sum complex128
			for k := range 3 {
				sum += m[i][k] * n[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// Scale multiplies every element of m by s.
func (m Matrix) Scale(s complex128) Matrix {
	for i := range 3 {
		for j := range 3 {
			m[i][j] *= s
		}
	}
	return m
}

// MulVec returns m·v.
func (m Matrix) MulVec(v Vec) Vec {
	var out Vec
	for i := range 3 {
		out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
	return out
}

// Det returns the determinant of m.
func (m Matrix) Det() complex128 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Inverse returns the inverse of m via the adjugate.
// Returns ErrSingular when the determinant is zero relative to the size of the entries.
func (m Matrix) Inverse() (Matrix, error) {
	det := m.Det()

	var largest float64
	for i := range 3 {
		for j := range 3 {
			largest = max(largest, cmplx.Abs(m[i][j]))
		}
	}
	if largest == 0 || cmplx.Abs(det) <= singularTolerance*math.Pow(largest, 3) {
		return Matrix{}, ErrSingular
	}

	// Adjugate is the transpose of the cofactor matrix
	var adj Matrix
	adj[0][0] = m[1][1]*m[2][2] - m[1][2]*m[2][1]
	adj[0][1] = m[0][2]*m[2][1] - m[0][1]*m[2][2]
	adj[0][2] = m[0][1]*m[1][2] - m[0][2]*m[1][1]
	adj[1][0] = m[1][2]*m[2][0] - m[1][0]*m[2][2]
	adj[1][1] = m[0][0]*m[2][2] - m[0][2]*m[2][0]
	adj[1][2] = m[0][2]*m[1][0] - m[0][0]*m[1][2]
	adj[2][0] = m[1][0]*m[2][1] - m[1][1]*m[2][0]
	adj[2][1] = m[0][1]*m[2][0] - m[0][0]*m[2][1]
	adj[2][2] = m[0][0]*m[1][1] - m[0][1]*m[1][0]

	return adj.Scale(1 / det), nil
}

// ApproxEqual reports whether every element of m is within tol of n.
func (m Matrix) ApproxEqual(n Matrix, tol float64) bool {
	for i := range 3 {
		for j := range 3 {
			if cmplx.Abs(m[i][j]-n[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// Balanced returns a positive-sequence set of magnitude mag with phase A at 0°.
func Balanced(mag float64) Vec {
	const shift = 2 * math.Pi / 3
	return Vec{
		cmplx.Rect(mag, 0),
		cmplx.Rect(mag, -shift),
		cmplx.Rect(mag, shift),
	}
}

// Add returns v+w.
func (v Vec) Add(w Vec) Vec {
	return Vec{v[0] + w[0], v[1] + w[1], v[2] + w[2]}
}

// Sub returns v-w.
func (v Vec) Sub(w Vec) Vec {
	return Vec{v[0] - w[0], v[1] - w[1], v[2] - w[2]}
}

// Scale multiplies every phase by s.
func (v Vec) Scale(s complex128) Vec {
	return Vec{v[0] * s, v[1] * s, v[2] * s}
}

// Magnitudes returns |v| per phase.
func (v Vec) Magnitudes() [3]float64 {
	return [3]float64{cmplx.Abs(v[0]), cmplx.Abs(v[1]), cmplx.Abs(v[2])}
}

// MaxDiff returns the largest per-phase magnitude of v-w.
func (v Vec) MaxDiff(w Vec) float64 {
	d := v.Sub(w).Magnitudes()
	return max(d[0], d[1], d[2])
}
