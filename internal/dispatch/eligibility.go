// Package dispatch holds the pure crew-matching computations: eligibility,
// travel estimates, margin scoring, feasibility and ranking. Nothing here
// touches storage or the clock.
package dispatch

import (
	"sort"
	"strings"

	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/utils"
)

const (
	ReasonSkillMismatch     = "SKILL_MISMATCH"
	ReasonEquipmentMismatch = "EQUIPMENT_MISMATCH"
	ReasonOutOfArea         = "OUT_OF_AREA"
	ReasonCrewTooSmall      = "CREW_TOO_SMALL"

	ReasonNoCrews         = "NO_CREWS"
	ReasonNoEligibleCrews = "NO_ELIGIBLE_CREWS"
)

// Thresholds are minimum coverage percentages (0-100).
type Thresholds struct {
	SkillMatchMinPct     float64 `json:"skill_match_min_pct"`
	EquipmentMatchMinPct float64 `json:"equipment_match_min_pct"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{SkillMatchMinPct: 100, EquipmentMatchMinPct: 100}
}

type EligibleCrew struct {
	Crew                models.Crew `json:"crew"`
	SkillCoverage       float64     `json:"skill_coverage"`
	EquipmentCoverage   float64     `json:"equipment_coverage"`
	InZone              bool        `json:"in_zone"`
	ZoneName            string      `json:"zone_name,omitempty"`
	DistanceMiles       float64     `json:"distance_miles"`
	WithinServiceRadius bool        `json:"within_service_radius"`
	CrewSizeOK          bool        `json:"crew_size_ok"`
	Eligible            bool        `json:"eligible"`
	Reasons             []string    `json:"reasons,omitempty"`
}

type EligibilityStage struct {
	Name    string   `json:"name"`
	CrewIDs []string `json:"crew_ids"`
}

type EligibilityResult struct {
	Eligible   []EligibleCrew     `json:"eligible"`
	Evaluated  []EligibleCrew     `json:"evaluated"`
	Stages     []EligibilityStage `json:"stages"`
	Thresholds Thresholds         `json:"thresholds"`
	ReasonCode string             `json:"reason_code,omitempty"`
}

// FilterEligibleCrews evaluates every crew against the job. Evaluated keeps
// the coverage numbers of excluded crews so partial matches can be shown.
// Output order is by crew id.
func FilterEligibleCrews(job models.JobRequest, crews []models.Crew, th Thresholds) EligibilityResult {
	result := EligibilityResult{Thresholds: th}

	sorted := append([]models.Crew(nil), crews...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	result.Stages = append(result.Stages, EligibilityStage{Name: "roster", CrewIDs: crewIDs(sorted)})
	if len(sorted) == 0 {
		result.ReasonCode = ReasonNoCrews
		result.Eligible = []EligibleCrew{}
		result.Evaluated = []EligibleCrew{}
		return result
	}

	result.Evaluated = make([]EligibleCrew, 0, len(sorted))
	for _, c := range sorted {
		result.Evaluated = append(result.Evaluated, evaluateCrew(job, c, th))
	}

	stages := []struct {
		name   string
		reason string
	}{
		{"skills", ReasonSkillMismatch},
		{"equipment", ReasonEquipmentMismatch},
		{"coverage_area", ReasonOutOfArea},
		{"crew_size", ReasonCrewTooSmall},
	}
	remaining := result.Evaluated
	for _, st := range stages {
		remaining = filterEvaluated(remaining, func(ec EligibleCrew) bool {
			return !hasReason(ec.Reasons, st.reason)
		})
		ids := make([]string, 0, len(remaining))
		for _, ec := range remaining {
			ids = append(ids, ec.Crew.ID)
		}
		result.Stages = append(result.Stages, EligibilityStage{Name: st.name, CrewIDs: ids})
	}

	result.Eligible = remaining
	if len(result.Eligible) == 0 {
		result.ReasonCode = ReasonNoEligibleCrews
	}
	return result
}

func evaluateCrew(job models.JobRequest, c models.Crew, th Thresholds) EligibleCrew {
	ec := EligibleCrew{
		Crew:              c,
		SkillCoverage:     coverage(c.Skills, job.RequiredSkills),
		EquipmentCoverage: coverage(c.Equipment, job.RequiredEquipment),
		CrewSizeOK:        job.CrewSizeMin <= 0 || c.CrewSize >= job.CrewSizeMin,
	}
	ec.ZoneName, ec.InZone = zoneFor(c.Zones, job.Location)
	ec.DistanceMiles = utils.Round(utils.HaversineMiles(c.HomeBase.Lat, c.HomeBase.Lng, job.Location.Lat, job.Location.Lng), 2)
	ec.WithinServiceRadius = c.ServiceRadiusMiles > 0 && ec.DistanceMiles <= c.ServiceRadiusMiles

	if !meets(ec.SkillCoverage, th.SkillMatchMinPct) {
		ec.Reasons = append(ec.Reasons, ReasonSkillMismatch)
	}
	if !meets(ec.EquipmentCoverage, th.EquipmentMatchMinPct) {
		ec.Reasons = append(ec.Reasons, ReasonEquipmentMismatch)
	}
	if !ec.InZone && !ec.WithinServiceRadius {
		ec.Reasons = append(ec.Reasons, ReasonOutOfArea)
	}
	if !ec.CrewSizeOK {
		ec.Reasons = append(ec.Reasons, ReasonCrewTooSmall)
	}
	ec.Eligible = len(ec.Reasons) == 0
	return ec
}

// coverage is |have ∩ need| / |need|, 1 when nothing is needed.
func coverage(have, need []string) float64 {
	required := normalizedSet(need)
	if len(required) == 0 {
		return 1
	}
	got := normalizedSet(have)
	matched := 0
	for k := range required {
		if _, ok := got[k]; ok {
			matched++
		}
	}
	return utils.Round(float64(matched)/float64(len(required)), 4)
}

func meets(fraction, minPct float64) bool {
	// tolerance keeps 2/3 >= 66.67% style comparisons stable
	return fraction*100+1e-6 >= minPct
}

func zoneFor(zones []models.Zone, p models.LatLng) (string, bool) {
	for _, z := range zones {
		if z.Center != nil && z.RadiusMiles > 0 {
			if utils.HaversineMiles(z.Center.Lat, z.Center.Lng, p.Lat, p.Lng) <= z.RadiusMiles {
				return z.Name, true
			}
			continue
		}
		if z.MaxLat > z.MinLat && z.MaxLng > z.MinLng &&
			p.Lat >= z.MinLat && p.Lat <= z.MaxLat && p.Lng >= z.MinLng && p.Lng <= z.MaxLng {
			return z.Name, true
		}
	}
	return "", false
}

func normalizedSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if k := strings.ToLower(strings.TrimSpace(it)); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

func hasReason(reasons []string, target string) bool {
	for _, r := range reasons {
		if r == target {
			return true
		}
	}
	return false
}

func filterEvaluated(in []EligibleCrew, keep func(EligibleCrew) bool) []EligibleCrew {
	out := make([]EligibleCrew, 0, len(in))
	for _, ec := range in {
		if keep(ec) {
			out = append(out, ec)
		}
	}
	return out
}

func crewIDs(crews []models.Crew) []string {
	out := make([]string, 0, len(crews))
	for _, c := range crews {
		out = append(out, c.ID)
	}
	return out
}
