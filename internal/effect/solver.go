package effect

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
)

// regressors are the model's right-hand side, in design-matrix column order.
var regressors = [...]string{RegPost, RegDay, RegPostDay}

// GonumSolver fits
//
//	rate = a_locality + b1*post + b2*day + b3*post*day + e
//
// by within-transformation OLS: the locality fixed effects are absorbed by
// demeaning every variable per locality and the demeaned system is solved
// by QR. Standard errors are clustered two-way by locality and by day
// following Cameron, Gelbach and Miller: V = V_locality + V_day -
// V_intersection, each term a small-sample-corrected sandwich.
type GonumSolver struct{}

// Fit implements PanelRegressionSolver.
func (GonumSolver) Fit(obs []Observation) (*Fit, error) {
	n := len(obs)
	k := len(regressors)

	entities := make(map[string]int)
	days := make(map[int]int)
	for _, o := range obs {
		if _, ok := entities[o.Entity]; !ok {
			entities[o.Entity] = len(entities)
		}
		if _, ok := days[o.Day]; !ok {
			days[o.Day] = len(days)
		}
	}
	nEntities := len(entities)
	nDays := len(days)

	if nEntities < 2 {
		return nil, eris.Errorf("effect: need at least 2 localities in the panel, got %d", nEntities)
	}
	if nDays < 2 {
		return nil, eris.Errorf("effect: need at least 2 days in the panel, got %d", nDays)
	}
	// Slopes plus the absorbed fixed effects.
	kEff := k + nEntities
	if n <= kEff {
		return nil, eris.Errorf("effect: %d observations cannot identify %d parameters", n, kEff)
	}

	// Raw columns plus the entity index of every observation.
	raw := mat.NewDense(n, k, nil)
	yRaw := make([]float64, n)
	group := make([]int, n)
	counts := make([]float64, nEntities)
	for i, o := range obs {
		day := float64(o.Day)
		post := 0.0
		if o.Post {
			post = 1
		}
		raw.Set(i, 0, post)
		raw.Set(i, 1, day)
		raw.Set(i, 2, post*day)
		yRaw[i] = o.Rate
		g := entities[o.Entity]
		group[i] = g
		counts[g]++
	}

	// Demean per entity to absorb the fixed effects.
	yMean := make([]float64, nEntities)
	xMean := make([]float64, nEntities*k)
	for i := 0; i < n; i++ {
		g := group[i]
		yMean[g] += yRaw[i]
		for j := 0; j < k; j++ {
			xMean[g*k+j] += raw.At(i, j)
		}
	}
	for g := 0; g < nEntities; g++ {
		yMean[g] /= counts[g]
		for j := 0; j < k; j++ {
			xMean[g*k+j] /= counts[g]
		}
	}

	X := mat.NewDense(n, k, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		g := group[i]
		y.SetVec(i, yRaw[i]-yMean[g])
		for j := 0; j < k; j++ {
			X.Set(i, j, raw.At(i, j)-xMean[g*k+j])
		}
	}

	var qr mat.QR
	qr.Factorize(X)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		return nil, eris.Wrap(err, "effect: singular design matrix")
	}

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)
	resid := make([]float64, n)
	var ssr, sst float64
	for i := 0; i < n; i++ {
		resid[i] = y.AtVec(i) - fitted.AtVec(i)
		ssr += resid[i] * resid[i]
		sst += y.AtVec(i) * y.AtVec(i)
	}
	r2 := 0.0
	if sst > 0 {
		r2 = 1 - ssr/sst
	}

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	var bread mat.Dense
	if err := bread.Inverse(&xtx); err != nil {
		return nil, eris.Wrap(err, "effect: invert X'X")
	}

	// Cluster assignments: by entity, by day, and by their intersection.
	dayGroup := make([]int, n)
	bothGroup := make([]int, n)
	pairs := make(map[[2]int]int)
	for i, o := range obs {
		dayGroup[i] = days[o.Day]
		pk := [2]int{group[i], days[o.Day]}
		if _, ok := pairs[pk]; !ok {
			pairs[pk] = len(pairs)
		}
		bothGroup[i] = pairs[pk]
	}

	vEnt := clusterVariance(X, resid, &bread, group, nEntities, kEff)
	vDay := clusterVariance(X, resid, &bread, dayGroup, nDays, kEff)
	vBoth := clusterVariance(X, resid, &bread, bothGroup, len(pairs), kEff)

	var v mat.Dense
	v.Add(vEnt, vDay)
	v.Sub(&v, vBoth)
	fixIndefinite(&v)

	coef := make(map[string]float64, k)
	se := make(map[string]float64, k)
	tstat := make(map[string]float64, k)
	for j, name := range regressors {
		coef[name] = beta.AtVec(j)
		sj := math.Sqrt(math.Max(v.At(j, j), 0))
		se[name] = sj
		if sj > 0 {
			tstat[name] = coef[name] / sj
		}
	}

	return &Fit{
		Coef:      coef,
		SE:        se,
		TStat:     tstat,
		N:         n,
		NEntities: nEntities,
		NPeriods:  nDays,
		R2Within:  r2,
	}, nil
}

// clusterVariance computes one small-sample-corrected cluster-robust
// sandwich: c * bread * (sum_g S_g S_g') * bread, where S_g sums x_i*e_i
// over cluster g and c = G/(G-1) * (n-1)/(n-kEff).
func clusterVariance(X *mat.Dense, resid []float64, bread *mat.Dense, groups []int, nGroups, kEff int) *mat.Dense {
	n, k := X.Dims()

	scores := make([]float64, nGroups*k)
	for i := 0; i < n; i++ {
		g := groups[i]
		for j := 0; j < k; j++ {
			scores[g*k+j] += X.At(i, j) * resid[i]
		}
	}
	meat := mat.NewDense(k, k, nil)
	for g := 0; g < nGroups; g++ {
		s := scores[g*k : g*k+k]
		for a := 0; a < k; a++ {
			for b := 0; b < k; b++ {
				meat.Set(a, b, meat.At(a, b)+s[a]*s[b])
			}
		}
	}

	var tmp, v mat.Dense
	tmp.Mul(bread, meat)
	v.Mul(&tmp, bread)
	c := float64(nGroups) / float64(nGroups-1) * float64(n-1) / float64(n-kEff)
	v.Scale(c, &v)
	return &v
}

// fixIndefinite zeroes out negative eigenvalues when the two-way
// difference leaves the variance matrix with a negative diagonal entry;
// the diagonal must stay usable as variances.
func fixIndefinite(v *mat.Dense) {
	k, _ := v.Dims()
	neg := false
	for j := 0; j < k; j++ {
		if v.At(j, j) < 0 {
			neg = true
			break
		}
	}
	if !neg {
		return
	}

	sym := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			sym.SetSym(i, j, (v.At(i, j)+v.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return
	}
	vals := eig.Values(nil)
	for i := range vals {
		if vals[i] < 0 {
			vals[i] = 0
		}
	}
	var q mat.Dense
	eig.VectorsTo(&q)
	var tmp mat.Dense
	tmp.Mul(&q, mat.NewDiagDense(k, vals))
	v.Mul(&tmp, q.T())
}
