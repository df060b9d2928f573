// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrTooFewPoints = errors.New("calibration: too few points for an ellipsoid fit")
	ErrNotEllipsoid = errors.New("calibration: point cloud does not describe an ellipsoid")
	ErrNotConverged = errors.New("calibration: ellipsoid refinement did not converge")
)

const (
	// 3 center corrections + 6 shape parameters
	numParams = 9

	minFitPoints = numParams + 1

	// below this standard error (in normalized units) the cloud already lies
	// on the model surface and the relative-improvement test is meaningless
	absoluteErrorFloor = 1e-12

	jacobianStep = 1e-6
)

// Fitter refines a magnetometer ellipsoid: algebraic least-squares seed
// followed by damped Gauss-Newton on the geometric distance.
type Fitter struct {
	Tolerance     float64 // stop when relative error improvement drops below this
	Damping       float64 // gamma in dp = -gamma (JᵀJ)⁻¹ Jᵀ r
	MaxIterations int

	// Progress, when set, is called after every refinement step with the
	// current standard error in raw units.
	Progress func(iteration int, stdErr float64)
}

// DefaultFitter returns the tolerance/damping used for magnetometer fits.
func DefaultFitter() Fitter {
	return Fitter{Tolerance: 0.0001, Damping: 0.01, MaxIterations: 5000}
}

// FitResult is the outcome of one fit invocation.
type FitResult struct {
	Parameters Parameters `json:"parameters"`
	Seed       [3]float64 `json:"seed"` // center from the algebraic fit, raw units
	Iterations int        `json:"iterations"`
	Error      float64    `json:"std_error"` // standard error of distances, raw units
	Converged  bool       `json:"converged"`
}

// FitMagnetometerEllipsoid runs the default fitter.
func FitMagnetometerEllipsoid(ctx context.Context, points [][3]float64) (FitResult, error) {
	return DefaultFitter().Fit(ctx, points)
}

// ellipsoidModel holds the normalized point cloud and evaluates residuals for
// a parameter vector [dx dy dz m11 m22 m33 m12 m13 m23].
type ellipsoidModel struct {
	points [][3]float64
}

func shapeMatrix(p []float64) [3][3]float64 {
	return [3][3]float64{
		{p[3], p[6], p[7]},
		{p[6], p[4], p[8]},
		{p[7], p[8], p[5]},
	}
}

// residuals fills r with (actual distance from center) - (model radius along
// the same direction). ok is false if the shape is not positive along some
// sample direction.
func (m *ellipsoidModel) residuals(p []float64, r []float64) bool {
	s := shapeMatrix(p)
	for i, q := range m.points {
		d := [3]float64{q[0] - p[0], q[1] - p[1], q[2] - p[2]}
		dist := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		u := [3]float64{1, 0, 0}
		if dist > 0 {
			u = [3]float64{d[0] / dist, d[1] / dist, d[2] / dist}
		}
		var quad float64
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				quad += u[a] * s[a][b] * u[b]
			}
		}
		if quad <= 0 || math.IsNaN(quad) {
			return false
		}
		r[i] = dist - 1/math.Sqrt(quad)
	}
	return true
}

// stdError is the standard error of the distance residuals.
func stdError(r []float64) float64 {
	var ss float64
	for _, v := range r {
		ss += v * v
	}
	dof := len(r) - numParams
	if dof < 1 {
		dof = 1
	}
	return math.Sqrt(ss / float64(dof))
}

// Fit estimates hard-iron offset and soft-iron gain from raw magnetometer
// samples. The returned gain maps calibrated samples onto the unit sphere.
// Hitting MaxIterations returns the best result so far with ErrNotConverged.
func (f Fitter) Fit(ctx context.Context, points [][3]float64) (FitResult, error) {
	if len(points) < minFitPoints {
		return FitResult{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewPoints, len(points), minFitPoints)
	}
	if f.MaxIterations <= 0 {
		f.MaxIterations = DefaultFitter().MaxIterations
	}

	// Normalize around the min/max center so the numerics do not depend on
	// the sensor's LSB scale.
	origin := MinMaxCenter(points)
	scale := 0.0
	for _, p := range points {
		scale += math.Sqrt(sq(p[0]-origin[0]) + sq(p[1]-origin[1]) + sq(p[2]-origin[2]))
	}
	scale /= float64(len(points))
	if scale == 0 || math.IsNaN(scale) {
		return FitResult{}, ErrNotEllipsoid
	}
	norm := make([][3]float64, len(points))
	for i, p := range points {
		norm[i] = [3]float64{(p[0] - origin[0]) / scale, (p[1] - origin[1]) / scale, (p[2] - origin[2]) / scale}
	}

	center, shape, err := algebraicFit(norm)
	if err != nil {
		return FitResult{}, err
	}

	// Translate so the seed hard-iron offset sits at the origin; the
	// refinement then solves for corrections starting at zero.
	for i := range norm {
		norm[i] = [3]float64{norm[i][0] - center[0], norm[i][1] - center[1], norm[i][2] - center[2]}
	}
	model := &ellipsoidModel{points: norm}

	params := []float64{0, 0, 0, shape[0][0], shape[1][1], shape[2][2], shape[0][1], shape[0][2], shape[1][2]}
	iterations, stdErr, converged, err := f.refine(ctx, model, params)
	if err != nil {
		return FitResult{}, err
	}

	offset := [3]float64{}
	seed := [3]float64{}
	for i := 0; i < 3; i++ {
		seed[i] = origin[i] + scale*center[i]
		offset[i] = seed[i] + scale*params[i]
	}

	refined := shapeMatrix(params)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			refined[r][c] /= scale * scale
		}
	}
	gain, err := sqrtSym(refined)
	if err != nil {
		return FitResult{}, err
	}

	res := FitResult{
		Parameters: Parameters{Offset: offset, Gain: gain},
		Seed:       seed,
		Iterations: iterations,
		Error:      stdErr * scale,
		Converged:  converged,
	}
	if !converged {
		return res, fmt.Errorf("%w after %d iterations (std error %.4g)", ErrNotConverged, iterations, res.Error)
	}
	return res, nil
}

// refine runs damped Gauss-Newton on params in place.
func (f Fitter) refine(ctx context.Context, model *ellipsoidModel, params []float64) (int, float64, bool, error) {
	n := len(model.points)
	r := make([]float64, n)
	if !model.residuals(params, r) {
		return 0, 0, false, ErrNotEllipsoid
	}
	prevErr := stdError(r)

	jac := mat.NewDense(n, numParams, nil)
	plus := make([]float64, n)
	minus := make([]float64, n)
	trial := make([]float64, numParams)

	for iter := 1; iter <= f.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return iter - 1, prevErr, false, err
		}
		if prevErr < absoluteErrorFloor {
			return iter - 1, prevErr, true, nil
		}

		// central differences, one perturbation per parameter
		for j := 0; j < numParams; j++ {
			h := jacobianStep * math.Max(1, math.Abs(params[j]))
			copy(trial, params)
			trial[j] = params[j] + h
			okPlus := model.residuals(trial, plus)
			trial[j] = params[j] - h
			okMinus := model.residuals(trial, minus)
			if !okPlus || !okMinus {
				return iter - 1, prevErr, false, ErrNotEllipsoid
			}
			for i := 0; i < n; i++ {
				jac.Set(i, j, (plus[i]-minus[i])/(2*h))
			}
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), mat.NewVecDense(n, r))
		var step mat.VecDense
		if err := step.SolveVec(&jtj, &jtr); err != nil {
			return iter - 1, prevErr, false, fmt.Errorf("calibration: singular normal equations: %w", err)
		}

		copy(trial, params)
		for j := 0; j < numParams; j++ {
			trial[j] -= f.Damping * step.AtVec(j)
		}
		if !model.residuals(trial, r) {
			return iter - 1, prevErr, false, ErrNotEllipsoid
		}
		curErr := stdError(r)
		if f.Progress != nil {
			f.Progress(iter, curErr)
		}

		improvement := (prevErr - curErr) / prevErr
		if curErr <= prevErr {
			copy(params, trial)
		}
		if improvement < f.Tolerance {
			return iter, math.Min(prevErr, curErr), true, nil
		}
		prevErr = curErr
	}

	return f.MaxIterations, prevErr, false, nil
}

// algebraicFit solves the 9-feature linear least-squares system with an SVD
// and converts the quadric to center + shape form: (p-c)ᵀ M (p-c) = 1.
func algebraicFit(points [][3]float64) ([3]float64, [3][3]float64, error) {
	n := len(points)
	design := mat.NewDense(n, 9, nil)
	target := mat.NewVecDense(n, nil)
	for i, p := range points {
		x, y, z := p[0], p[1], p[2]
		design.SetRow(i, []float64{
			x*x + y*y - 2*z*z,
			x*x + z*z - 2*y*y,
			2 * x * y,
			2 * x * z,
			2 * y * z,
			2 * x,
			2 * y,
			2 * z,
			1,
		})
		target.SetVec(i, x*x+y*y+z*z)
	}

	v, err := solveSVD(design, target)
	if err != nil {
		return [3]float64{}, [3][3]float64{}, err
	}

	a := v[0] + v[1] - 1
	b := v[0] - 2*v[1] - 1
	c := v[1] - 2*v[0] - 1
	quad := mat.NewDense(3, 3, []float64{
		a, v[2], v[3],
		v[2], b, v[4],
		v[3], v[4], c,
	})
	lin := mat.NewVecDense(3, []float64{v[5], v[6], v[7]})

	var center mat.VecDense
	if err := center.SolveVec(quad, lin); err != nil {
		return [3]float64{}, [3][3]float64{}, fmt.Errorf("%w: %v", ErrNotEllipsoid, err)
	}
	center.ScaleVec(-1, &center)

	k := -(mat.Dot(lin, &center) + v[8])
	if k == 0 || math.IsNaN(k) {
		return [3]float64{}, [3][3]float64{}, ErrNotEllipsoid
	}

	var shape [3][3]float64
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			shape[r][col] = quad.At(r, col) / k
		}
	}
	if _, err := sqrtSym(shape); err != nil {
		return [3]float64{}, [3][3]float64{}, err
	}
	return [3]float64{center.AtVec(0), center.AtVec(1), center.AtVec(2)}, shape, nil
}

// solveSVD returns the minimum-norm least-squares solution x = V Σ⁺ Uᵀ b.
func solveSVD(a *mat.Dense, b *mat.VecDense) ([]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("calibration: SVD factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	var utb mat.VecDense
	utb.MulVec(u.T(), b)
	cutoff := sv[0] * 1e-12
	for i, s := range sv {
		if s > cutoff {
			utb.SetVec(i, utb.AtVec(i)/s)
		} else {
			utb.SetVec(i, 0)
		}
	}
	var x mat.VecDense
	x.MulVec(&v, &utb)

	out := make([]float64, x.Len())
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

// sqrtSym builds V·diag(√λ)·V⁻¹ from the eigendecomposition of a symmetric
// matrix. All eigenvalues must be positive.
func sqrtSym(m [3][3]float64) ([3][3]float64, error) {
	sym := mat.NewSymDense(3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[0][1], m[1][1], m[1][2],
		m[0][2], m[1][2], m[2][2],
	})
	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return [3][3]float64{}, fmt.Errorf("%w: eigendecomposition failed", ErrNotEllipsoid)
	}
	vals := es.Values(nil)
	roots := make([]float64, len(vals))
	for i, l := range vals {
		if l <= 0 || math.IsNaN(l) {
			return [3][3]float64{}, fmt.Errorf("%w: eigenvalue %.4g", ErrNotEllipsoid, l)
		}
		roots[i] = math.Sqrt(l)
	}

	var vecs mat.Dense
	es.VectorsTo(&vecs)
	var inv mat.Dense
	if err := inv.Inverse(&vecs); err != nil {
		return [3][3]float64{}, fmt.Errorf("%w: %v", ErrNotEllipsoid, err)
	}

	var scaled, out mat.Dense
	scaled.Mul(&vecs, mat.NewDiagDense(3, roots))
	out.Mul(&scaled, &inv)

	var g [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			g[r][c] = out.At(r, c)
		}
	}
	return g, nil
}

// MinMaxCenter is the per-axis midpoint of the extremes, the usual quick
// hard-iron estimate from a guided rotation.
func MinMaxCenter(points [][3]float64) [3]float64 {
	if len(points) == 0 {
		return [3]float64{}
	}
	lo := points[0]
	hi := points[0]
	for _, p := range points[1:] {
		for i := 0; i < 3; i++ {
			lo[i] = math.Min(lo[i], p[i])
			hi[i] = math.Max(hi[i], p[i])
		}
	}
	return [3]float64{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2, (lo[2] + hi[2]) / 2}
}

// SphereDeviation is the RMS distance of calibrated points from the unit
// sphere.
func SphereDeviation(points [][3]float64, p Parameters) float64 {
	if len(points) == 0 {
		return 0
	}
	var ss float64
	for _, raw := range points {
		c := Apply(raw, p)
		d := math.Sqrt(c[0]*c[0]+c[1]*c[1]+c[2]*c[2]) - 1
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(points)))
}

func sq(x float64) float64 { return x * x }
