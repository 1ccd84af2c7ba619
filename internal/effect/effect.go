// Package effect estimates how the policy changed visitation rates, using
// a fixed-effects panel regression over the study window.
package effect

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/model"
	"github.com/urbansignal/mobility-cli/internal/study"
)

// Regressor names used as keys in Fit's coefficient, SE, and t-stat maps.
const (
	RegPost    = "post"
	RegDay     = "day"
	RegPostDay = "post_day"
)

// Observation is one locality-day in the estimation panel.
type Observation struct {
	Entity string  // locality name
	Day    int     // signed days from the policy date
	Post   bool    // on or after the policy date
	Rate   float64 // normalized visitation rate
}

// Fit holds the fitted panel model.
type Fit struct {
	Coef      map[string]float64 `json:"coef"`       // keyed by regressor name
	SE        map[string]float64 `json:"se"`         // two-way clustered standard errors
	TStat     map[string]float64 `json:"t_stat"`     // coef / se
	N         int                `json:"n"`          // observations
	NEntities int                `json:"n_entities"` // localities
	NPeriods  int                `json:"n_periods"`  // distinct days
	R2Within  float64            `json:"r2_within"`
}

// PanelRegressionSolver fits the panel model. Implementations own the
// numerics; the estimator only prepares observations.
type PanelRegressionSolver interface {
	Fit(obs []Observation) (*Fit, error)
}

// Estimator restricts rate rows to the study's localities and policy
// window and hands the resulting panel to a solver.
type Estimator struct {
	study  *study.Study
	solver PanelRegressionSolver
}

// NewEstimator creates an Estimator. Returns nil if either argument is nil.
func NewEstimator(s *study.Study, solver PanelRegressionSolver) *Estimator {
	if s == nil || solver == nil {
		return nil
	}
	return &Estimator{study: s, solver: solver}
}

// Estimate builds the panel from rate rows and fits it.
func (e *Estimator) Estimate(rows []model.RateRow) (*Fit, error) {
	obs, err := e.Observations(rows)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, eris.New("effect: no rate rows fall inside the study window")
	}

	fit, err := e.solver.Fit(obs)
	if err != nil {
		return nil, err
	}

	zap.L().Info("effect: model fitted",
		zap.Int("observations", fit.N),
		zap.Int("localities", fit.NEntities),
		zap.Int("days", fit.NPeriods),
		zap.Float64("post_coef", fit.Coef[RegPost]),
		zap.Float64("post_se", fit.SE[RegPost]),
		zap.Float64("r2_within", fit.R2Within),
	)
	return fit, nil
}

// Observations converts rate rows into panel observations: one per row
// whose locality belongs to the study and whose date falls within the
// policy window. The policy day itself counts as post.
func (e *Estimator) Observations(rows []model.RateRow) ([]Observation, error) {
	var obs []Observation
	var skipped int
	for _, row := range rows {
		if !e.study.HasLocality(row.Locality) {
			skipped++
			continue
		}
		day, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			return nil, eris.Errorf("effect: invalid date %q for locality %s", row.Date, row.Locality)
		}
		if !e.study.InWindow(day) {
			continue
		}
		off := e.study.DayOffset(day)
		obs = append(obs, Observation{
			Entity: row.Locality,
			Day:    off,
			Post:   off >= 0,
			Rate:   row.Rate,
		})
	}
	if skipped > 0 {
		zap.L().Debug("effect: rows outside the study's locality set", zap.Int("rows", skipped))
	}

	sort.Slice(obs, func(i, j int) bool {
		if obs[i].Entity != obs[j].Entity {
			return obs[i].Entity < obs[j].Entity
		}
		return obs[i].Day < obs[j].Day
	})
	return obs, nil
}
