// Package study loads the YAML study definition: the localities under
// analysis, the pre-baseline cutoff, and the policy timeline used by the
// rate and effect stages.
package study

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// defaultWindowDays is the half-width of the effect estimation window
// around the policy date.
const defaultWindowDays = 15

// Study is the top-level study definition.
type Study struct {
	BaselineDate string     `yaml:"baseline_date"`
	PolicyDate   string     `yaml:"policy_date"`
	WindowDays   int        `yaml:"window_days"`
	Localities   []Locality `yaml:"localities"`

	baseline time.Time
	policy   time.Time
}

// Locality is a named study area with a centroid and an assignment radius.
type Locality struct {
	Name     string  `yaml:"name"`
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	RadiusKM float64 `yaml:"radius_km"`
}

// Load reads a study definition from a YAML file.
func Load(path string) (*Study, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "study: read %s", path)
	}

	// The definition is either flat (baseline_date at the top level) or
	// nested under a "study" key; both forms are accepted.
	var wrapper struct {
		Study *Study `yaml:"study"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "study: parse definition")
	}

	s := wrapper.Study
	if s == nil {
		s = &Study{}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, eris.Wrap(err, "study: parse definition")
		}
	}
	if s.WindowDays == 0 {
		s.WindowDays = defaultWindowDays
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Study) validate() error {
	var err error
	if s.baseline, err = time.Parse("2006-01-02", s.BaselineDate); err != nil {
		return eris.Errorf("study: invalid baseline_date %q (want YYYY-MM-DD)", s.BaselineDate)
	}
	if s.policy, err = time.Parse("2006-01-02", s.PolicyDate); err != nil {
		return eris.Errorf("study: invalid policy_date %q (want YYYY-MM-DD)", s.PolicyDate)
	}
	if s.WindowDays < 1 {
		return eris.Errorf("study: window_days must be positive, got %d", s.WindowDays)
	}
	if len(s.Localities) == 0 {
		return eris.New("study: at least one locality is required")
	}

	seen := make(map[string]struct{}, len(s.Localities))
	for i, loc := range s.Localities {
		if loc.Name == "" {
			return eris.Errorf("study: locality %d has no name", i)
		}
		if _, ok := seen[loc.Name]; ok {
			return eris.Errorf("study: duplicate locality %q", loc.Name)
		}
		seen[loc.Name] = struct{}{}
		if loc.RadiusKM <= 0 {
			return eris.Errorf("study: locality %q needs a positive radius_km", loc.Name)
		}
	}
	return nil
}

// Baseline returns the parsed pre-baseline cutoff date.
func (s *Study) Baseline() time.Time { return s.baseline }

// Policy returns the parsed policy date.
func (s *Study) Policy() time.Time { return s.policy }

// DayOffset returns the signed number of days from the policy date, so the
// policy day itself is 0 and the day before is -1.
func (s *Study) DayOffset(day time.Time) int {
	return int(day.Sub(s.policy).Hours() / 24)
}

// InWindow reports whether the day falls within the estimation window of
// +/- WindowDays around the policy date, inclusive.
func (s *Study) InWindow(day time.Time) bool {
	off := s.DayOffset(day)
	return off >= -s.WindowDays && off <= s.WindowDays
}

// HasLocality reports whether name is one of the study localities.
func (s *Study) HasLocality(name string) bool {
	for _, loc := range s.Localities {
		if loc.Name == name {
			return true
		}
	}
	return false
}
