package service

import (
	"math"
)

// Proportion k successes out of n with a 95% Wilson interval.
type Proportion struct {
	N        int     `json:"n"`
	K        int     `json:"k"`
	Rate     float64 `json:"rate"`
	CI95Low  float64 `json:"ci95_low"`
	CI95High float64 `json:"ci95_high"`
}

func newProportion(k, n int) Proportion {
	p := Proportion{N: n, K: k}
	if n > 0 {
		p.Rate = float64(k) / float64(n)
		p.CI95Low, p.CI95High = wilsonCI(k, n, 1.96)
	}
	return p
}

// ProportionTest two-sided two-proportion z-test between A and B.
type ProportionTest struct {
	A      string  `json:"a"`
	B      string  `json:"b"`
	Z      float64 `json:"z"`
	PValue float64 `json:"p_value"`
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	low := math.Max(0, center-half)
	high := math.Min(1, center+half)
	return low, high
}

// two-proportion z-test (two-sided)；样本为空或方差为 0 时 p=1
func twoPropZTest(x1, n1, x2, n2 int) (pValue float64, z float64) {
	if n1 == 0 || n2 == 0 {
		return 1, 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	p := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1, 0
	}
	z = (p2 - p1) / se
	pValue = 2 * (1 - normCDF(math.Abs(z)))
	return pValue, z
}

// standard normal CDF via erf
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
