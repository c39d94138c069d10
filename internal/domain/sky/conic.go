package sky

import "math"

// conic holds the coefficients of a general conic section
//
//	A·x² + B·x·y + C·y² + D·x + E·y + F = 0
//
// on the tangent plane, in arcseconds.
type conic struct {
	A, B, C, D, E, F float64
}

// ellipseConic builds the conic for an ellipse centred at (cx, cy) with
// semi-axes a >= b and position angle pa degrees east of north.  The tangent
// plane uses x for the RA direction and y for Decl, so a position angle of
// zero aligns the major axis with +y.
func ellipseConic(cx, cy, a, b, pa float64) conic {
	sin, cos := math.Sincos(radians(pa))
	ia := 1.0 / (a * a)
	ib := 1.0 / (b * b)

	// Quadratic part in centre-relative coordinates.
	qa := sin*sin*ia + cos*cos*ib
	qb := 2.0 * sin * cos * (ia - ib)
	qc := cos*cos*ia + sin*sin*ib

	return conic{
		A: qa,
		B: qb,
		C: qc,
		D: -2.0*qa*cx - qb*cy,
		E: -qb*cx - 2.0*qc*cy,
		F: qa*cx*cx + qb*cx*cy + qc*cy*cy - 1.0,
	}
}

// poly is a real polynomial with coefficients in ascending degree order:
// poly[i] multiplies x^i.  The zero polynomial is the empty slice.
type poly []float64

// polyEpsilon is the relative magnitude below which a coefficient is treated
// as numerical noise when trimming.
const polyEpsilon = 1e-12

func (p poly) degree() int { return len(p) - 1 }

func (p poly) isZero() bool { return len(p) == 0 }

func (p poly) leading() float64 {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1]
}

func (p poly) maxAbs() float64 {
	max := 0.0
	for _, c := range p {
		if a := math.Abs(c); a > max {
			max = a
		}
	}
	return max
}

// trim drops trailing coefficients that are negligible relative to the
// largest coefficient magnitude.  Without the relative cutoff, cancellation
// residue in the resultant shows up as a spurious degree-4 term that corrupts
// the Sturm chain.
func (p poly) trim() poly {
	return p.trimTo(p.maxAbs())
}

// trimTo drops trailing coefficients that are negligible against an external
// coefficient scale.  Remainders in the Sturm cascade must be trimmed against
// the dividend's scale, not their own: a remainder that is pure cancellation
// residue would otherwise survive as a spurious constant chain element instead
// of terminating the chain at the gcd.
func (p poly) trimTo(scale float64) poly {
	if scale == 0 {
		return nil
	}
	cut := scale * polyEpsilon
	n := len(p)
	for n > 0 && math.Abs(p[n-1]) <= cut {
		n--
	}
	return p[:n]
}

// normalize scales the polynomial so its largest coefficient magnitude is
// one.  Scaling by a positive constant preserves every sign the Sturm chain
// inspects while keeping the remainder cascade away from overflow.
func (p poly) normalize() poly {
	max := 0.0
	for _, c := range p {
		if a := math.Abs(c); a > max {
			max = a
		}
	}
	if max == 0 {
		return nil
	}
	out := make(poly, len(p))
	for i, c := range p {
		out[i] = c / max
	}
	return out
}

func polyAdd(a, b poly) poly {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(poly, n)
	copy(out, a)
	for i, c := range b {
		out[i] += c
	}
	return out.trim()
}

func polyNeg(a poly) poly {
	out := make(poly, len(a))
	for i, c := range a {
		out[i] = -c
	}
	return out
}

func polySub(a, b poly) poly { return polyAdd(a, polyNeg(b)) }

func polyMul(a, b poly) poly {
	if a.isZero() || b.isZero() {
		return nil
	}
	out := make(poly, len(a)+len(b)-1)
	for i, ca := range a {
		for j, cb := range b {
			out[i+j] += ca * cb
		}
	}
	return out.trim()
}

func polyDerive(a poly) poly {
	if len(a) < 2 {
		return nil
	}
	out := make(poly, len(a)-1)
	for i := 1; i < len(a); i++ {
		out[i-1] = a[i] * float64(i)
	}
	return out.trim()
}

// polyRem returns the remainder of a divided by b.  Trailing coefficients are
// trimmed against the dividend's scale so an exact division collapses to the
// zero polynomial instead of leaving cancellation residue behind.
func polyRem(a, b poly) poly {
	scale := a.maxAbs()
	rem := make(poly, len(a))
	copy(rem, a)
	rem = rem.trimTo(scale)
	for !rem.isZero() && rem.degree() >= b.degree() {
		shift := rem.degree() - b.degree()
		factor := rem.leading() / b.leading()
		for i, c := range b {
			rem[i+shift] -= factor * c
		}
		rem = rem[:len(rem)-1].trimTo(scale)
	}
	return rem
}

// bezoutQuartic eliminates y from two conics and returns the resultant, a
// polynomial in x of degree at most four.  Each conic is read as a quadratic
// in y with x-dependent coefficients,
//
//	p(y) = C1·y² + (B1·x + E1)·y + (A1·x² + D1·x + F1)
//	q(y) = C2·y² + (B2·x + E2)·y + (A2·x² + D2·x + F2)
//
// and the Bezout form of their resultant is
//
//	(p2·q0 − p0·q2)² − (p2·q1 − p1·q2)·(p1·q0 − p0·q1).
//
// Real roots of the resultant are the x-coordinates of curve intersections;
// an identically zero resultant means the conics share a component.
func bezoutQuartic(c1, c2 conic) poly {
	p2 := poly{c1.C}
	p1 := poly{c1.E, c1.B}
	p0 := poly{c1.F, c1.D, c1.A}

	q2 := poly{c2.C}
	q1 := poly{c2.E, c2.B}
	q0 := poly{c2.F, c2.D, c2.A}

	t1 := polySub(polyMul(p2, q0), polyMul(p0, q2))
	t2 := polySub(polyMul(p2, q1), polyMul(p1, q2))
	t3 := polySub(polyMul(p1, q0), polyMul(p0, q1))

	return polySub(polyMul(t1, t1), polyMul(t2, t3)).trim()
}

// sturmChain builds the canonical Sturm sequence of p: the polynomial, its
// derivative, then negated remainders until the sequence terminates.  The
// chain ends at the gcd when p has repeated roots, which keeps the root count
// correct for tangencies.
func sturmChain(p poly) []poly {
	p = p.trim().normalize()
	if p.isZero() || p.degree() == 0 {
		return nil
	}
	chain := []poly{p, polyDerive(p).normalize()}
	for {
		last := chain[len(chain)-1]
		if last.isZero() || last.degree() == 0 {
			break
		}
		rem := polyRem(chain[len(chain)-2], last)
		if rem.isZero() {
			break
		}
		chain = append(chain, polyNeg(rem).normalize())
	}
	return chain
}

// signVariations counts sign changes across the chain evaluated at +inf or
// -inf.  At +inf the sign of each element is the sign of its leading
// coefficient; at -inf that sign flips for odd degrees.
func signVariations(chain []poly, negInf bool) int {
	variations := 0
	prev := 0
	for _, p := range chain {
		if p.isZero() {
			continue
		}
		sign := 1
		if p.leading() < 0 {
			sign = -1
		}
		if negInf && p.degree()%2 == 1 {
			sign = -sign
		}
		if prev != 0 && sign != prev {
			variations++
		}
		prev = sign
	}
	return variations
}

// sturmRealRootCount returns the number of distinct real roots of p over the
// whole real line.
func sturmRealRootCount(p poly) int {
	chain := sturmChain(p)
	if chain == nil {
		return 0
	}
	return signVariations(chain, true) - signVariations(chain, false)
}
