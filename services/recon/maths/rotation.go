// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package maths holds the spherical geometry primitives used by rotation
// trees and the geometry resolvers: finite rotations backed by unit
// quaternions and lat/lon helpers over s2 points.
package maths

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"gonum.org/v1/gonum/num/quat"
)

// slerpLinearThreshold is the quaternion dot product above which
// interpolation falls back to normalised linear blending.
const slerpLinearThreshold = 1 - 1e-9

// FiniteRotation is a rotation about an axis through the centre of the
// globe. The zero value is the identity rotation.
type FiniteRotation struct {
	q quat.Number
}

// Identity returns the identity rotation.
func Identity() FiniteRotation {
	return FiniteRotation{q: quat.Number{Real: 1}}
}

// FromEulerPole creates the rotation of angle about the axis through pole.
func FromEulerPole(pole s2.Point, angle s1.Angle) FiniteRotation {
	half := float64(angle) / 2
	sin := math.Sin(half)
	return FiniteRotation{q: normalise(quat.Number{
		Real: math.Cos(half),
		Imag: pole.X * sin,
		Jmag: pole.Y * sin,
		Kmag: pole.Z * sin,
	})}
}

// FromPoleDegrees creates a rotation from a pole latitude/longitude and a
// rotation angle, all in degrees.
func FromPoleDegrees(lat, lon, angle float64) FiniteRotation {
	return FromEulerPole(PointFromLatLon(lat, lon), s1.Angle(angle)*s1.Degree)
}

func (r FiniteRotation) quaternion() quat.Number {
	if r.q == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return r.q
}

// Compose returns the rotation that applies other first and then r.
func (r FiniteRotation) Compose(other FiniteRotation) FiniteRotation {
	return FiniteRotation{q: normalise(quat.Mul(r.quaternion(), other.quaternion()))}
}

// Reverse returns the inverse rotation.
func (r FiniteRotation) Reverse() FiniteRotation {
	return FiniteRotation{q: quat.Conj(r.quaternion())}
}

// Rotate applies the rotation to a point on the sphere.
func (r FiniteRotation) Rotate(p s2.Point) s2.Point {
	q := r.quaternion()
	v := quat.Number{Imag: p.X, Jmag: p.Y, Kmag: p.Z}
	out := quat.Mul(quat.Mul(q, v), quat.Conj(q))
	return s2.PointFromCoords(out.Imag, out.Jmag, out.Kmag)
}

// RotateAll applies the rotation to every point.
func (r FiniteRotation) RotateAll(points []s2.Point) []s2.Point {
	out := make([]s2.Point, len(points))
	for i, p := range points {
		out[i] = r.Rotate(p)
	}
	return out
}

// EulerPole returns the rotation axis and angle. The identity rotation
// reports the north pole and a zero angle.
func (r FiniteRotation) EulerPole() (s2.Point, s1.Angle) {
	q := r.quaternion()
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	sin := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if sin < 1e-15 {
		return s2.PointFromCoords(0, 0, 1), 0
	}
	angle := 2 * math.Atan2(sin, q.Real)
	return s2.PointFromCoords(q.Imag/sin, q.Jmag/sin, q.Kmag/sin), s1.Angle(angle)
}

// IsIdentity reports whether the rotation leaves every point in place.
func (r FiniteRotation) IsIdentity() bool {
	_, angle := r.EulerPole()
	return math.Abs(float64(angle)) < 1e-12
}

// ApproxEqual reports whether both rotations move points identically
// within eps radians.
func (r FiniteRotation) ApproxEqual(other FiniteRotation, eps float64) bool {
	diff := r.Reverse().Compose(other)
	_, angle := diff.EulerPole()
	return float64(angle) <= eps
}

// String implements fmt.Stringer using the pole in degrees.
func (r FiniteRotation) String() string {
	pole, angle := r.EulerPole()
	lat, lon := LatLon(pole)
	return fmt.Sprintf("pole(%.4f, %.4f) angle %.4f", lat, lon, angle.Degrees())
}

// Interpolate spherically interpolates between from (t=0) and to (t=1)
// along the shorter arc.
func Interpolate(from, to FiniteRotation, t float64) FiniteRotation {
	a, b := from.quaternion(), to.quaternion()
	d := dot(a, b)
	if d < 0 {
		b = quat.Scale(-1, b)
		d = -d
	}
	if d > slerpLinearThreshold {
		return FiniteRotation{q: normalise(quat.Add(quat.Scale(1-t, a), quat.Scale(t, b)))}
	}
	theta := math.Acos(d)
	sin := math.Sin(theta)
	q := quat.Add(
		quat.Scale(math.Sin((1-t)*theta)/sin, a),
		quat.Scale(math.Sin(t*theta)/sin, b),
	)
	return FiniteRotation{q: normalise(q)}
}

func dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

func normalise(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}
