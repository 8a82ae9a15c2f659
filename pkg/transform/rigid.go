package transform

import (
	"math"

	"volreg/pkg/volume"
)

// Rigid is a 6-DOF transform: three Euler rotation angles (radians) about a
// fixed center followed by a translation (mm). The parameter vector is
// [rx, ry, rz, tx, ty, tz] and the rotation is composed as R = Rz*Ry*Rx.
//
// The rotation center is set once at construction (typically the geometric
// center of the fixed volume) and never changes during optimization.
type Rigid struct {
	params [6]float64
	center volume.Point

	// Cached rotation matrix and its partial derivatives with respect to
	// the three angles, refreshed on every SetParameters call.
	rot  [3][3]float64
	drot [3][3][3]float64
}

// NewRigid creates an identity rigid transform rotating about center.
func NewRigid(center volume.Point) *Rigid {
	r := &Rigid{center: center}
	r.updateMatrices()
	return r
}

// Center returns the fixed rotation center.
func (r *Rigid) Center() volume.Point {
	return r.center
}

// NumParameters returns 6.
func (r *Rigid) NumParameters() int { return 6 }

// Parameters returns the live parameter vector [rx, ry, rz, tx, ty, tz].
func (r *Rigid) Parameters() []float64 {
	return r.params[:]
}

// SetParameters replaces the parameter vector and refreshes the cached
// rotation matrices.
func (r *Rigid) SetParameters(params []float64) error {
	if len(params) != 6 {
		return ErrInvalidParameterCount
	}
	copy(r.params[:], params)
	r.updateMatrices()
	return nil
}

// Apply maps p through rotation about the center plus translation.
func (r *Rigid) Apply(p volume.Point) volume.Point {
	d := p.Sub(r.center)
	var out volume.Point
	for i := 0; i < 3; i++ {
		out[i] = r.rot[i][0]*d[0] + r.rot[i][1]*d[1] + r.rot[i][2]*d[2] +
			r.center[i] + r.params[3+i]
	}
	return out
}

// LocalJacobian of a rigid transform is the rotation matrix everywhere.
func (r *Rigid) LocalJacobian(p volume.Point) [3][3]float64 {
	return r.rot
}

// AccumulateParameterGradient adds (dT/dparams)^T * v into grad. The
// translation columns are the identity; the rotation columns are
// dR/dangle * (p - center).
func (r *Rigid) AccumulateParameterGradient(p volume.Point, v volume.Point, grad []float64) {
	d := p.Sub(r.center)
	for a := 0; a < 3; a++ {
		s := 0.0
		for i := 0; i < 3; i++ {
			s += v[i] * (r.drot[a][i][0]*d[0] + r.drot[a][i][1]*d[1] + r.drot[a][i][2]*d[2])
		}
		grad[a] += s
	}
	grad[3] += v[0]
	grad[4] += v[1]
	grad[5] += v[2]
}

// updateMatrices recomputes R = Rz*Ry*Rx and dR/drx, dR/dry, dR/drz.
func (r *Rigid) updateMatrices() {
	ax, ay, az := r.params[0], r.params[1], r.params[2]

	rx := rotX(ax)
	ry := rotY(ay)
	rz := rotZ(az)

	drx := [3][3]float64{
		{0, 0, 0},
		{0, -math.Sin(ax), -math.Cos(ax)},
		{0, math.Cos(ax), -math.Sin(ax)},
	}
	dry := [3][3]float64{
		{-math.Sin(ay), 0, math.Cos(ay)},
		{0, 0, 0},
		{-math.Cos(ay), 0, -math.Sin(ay)},
	}
	drz := [3][3]float64{
		{-math.Sin(az), -math.Cos(az), 0},
		{math.Cos(az), -math.Sin(az), 0},
		{0, 0, 0},
	}

	r.rot = matMul(rz, matMul(ry, rx))
	r.drot[0] = matMul(rz, matMul(ry, drx))
	r.drot[1] = matMul(rz, matMul(dry, rx))
	r.drot[2] = matMul(drz, matMul(ry, rx))
}

func rotX(a float64) [3][3]float64 {
	c, s := math.Cos(a), math.Sin(a)
	return [3][3]float64{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

func rotY(a float64) [3][3]float64 {
	c, s := math.Cos(a), math.Sin(a)
	return [3][3]float64{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

func rotZ(a float64) [3][3]float64 {
	c, s := math.Cos(a), math.Sin(a)
	return [3][3]float64{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

func matMul(a, b [3][3]float64) [3][3]float64 {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return m
}
