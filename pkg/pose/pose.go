package pose

import (
	"math"
	"sync/atomic"
)

// Vec3 is a position or direction in scene units.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3         { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3         { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3    { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float64      { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Len() float64            { return math.Sqrt(v.Dot(v)) }
func (v Vec3) Distance(o Vec3) float64 { return v.Sub(o).Len() }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Quat is a rotation quaternion stored as (w, x, y, z).
type Quat struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IdentityQuat is the rotation that leaves vectors unchanged.
var IdentityQuat = Quat{W: 1}

// FromAxisAngle returns the rotation of angle radians about axis.
func FromAxisAngle(angle float64, axis Vec3) Quat {
	l := axis.Len()
	if l == 0 {
		return IdentityQuat
	}
	s := math.Sin(angle/2) / l
	return Quat{math.Cos(angle / 2), axis.X * s, axis.Y * s, axis.Z * s}
}

func (q Quat) Conj() Quat { return Quat{q.W, -q.X, -q.Y, -q.Z} }

func (q Quat) Mul(o Quat) Quat {
	return Quat{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// Normalize returns q scaled to unit length. A zero quaternion becomes the
// identity.
func (q Quat) Normalize() Quat {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Rotate applies the rotation q to v. q is assumed to be unit length.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{q.X, q.Y, q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// AxisAngle returns the rotation as an angle in radians about a unit axis.
func (q Quat) AxisAngle() (float64, Vec3) {
	q = q.Normalize()
	angle := 2 * math.Acos(math.Max(-1, math.Min(1, q.W)))
	s := math.Sqrt(1 - q.W*q.W)
	if s < 1e-9 {
		return 0, Vec3{0, 1, 0}
	}
	return angle, Vec3{q.X / s, q.Y / s, q.Z / s}
}

// Pose is a position plus orientation.
type Pose struct {
	Pos  Vec3 `json:"pos"`
	Quat Quat `json:"quat"`
}

// Identity is the pose at the origin facing down the default axes.
func Identity() Pose {
	return Pose{Quat: IdentityQuat}
}

// Relative expresses the world-space point p in the frame of this pose.
func (p Pose) Relative(point Vec3) Vec3 {
	return p.Quat.Conj().Rotate(point.Sub(p.Pos))
}

// Shared publishes a Pose written by one goroutine and read by many. Readers
// always see a complete snapshot.
type Shared struct {
	p atomic.Pointer[Pose]
}

// NewShared returns a Shared holding initial.
func NewShared(initial Pose) *Shared {
	s := &Shared{}
	s.Store(initial)
	return s
}

func (s *Shared) Load() Pose {
	if p := s.p.Load(); p != nil {
		return *p
	}
	return Identity()
}

func (s *Shared) Store(p Pose) {
	s.p.Store(&p)
}
