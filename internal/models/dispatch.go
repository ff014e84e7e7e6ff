package models

import (
	"encoding/json"
	"time"
)

// DateLayout is the calendar-day key used for scheduling dates.
const DateLayout = "2006-01-02"

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Zone is either a bounding box (Min/Max set) or a circle (Center + RadiusMiles).
type Zone struct {
	Name        string  `json:"name"`
	MinLat      float64 `json:"min_lat,omitempty"`
	MaxLat      float64 `json:"max_lat,omitempty"`
	MinLng      float64 `json:"min_lng,omitempty"`
	MaxLng      float64 `json:"max_lng,omitempty"`
	Center      *LatLng `json:"center,omitempty"`
	RadiusMiles float64 `json:"radius_miles,omitempty"`
}

type AvailabilityWindow struct {
	Weekday     time.Weekday `json:"weekday"`
	StartMinute int          `json:"start_minute"`
	EndMinute   int          `json:"end_minute"`
}

type TimeOff struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Crew struct {
	ID                   string               `json:"id"`
	BusinessID           string               `json:"business_id"`
	Name                 string               `json:"name"`
	Skills               []string             `json:"skills"`
	Equipment            []string             `json:"equipment"`
	HomeBase             LatLng               `json:"home_base"`
	ServiceRadiusMiles   float64              `json:"service_radius_miles"`
	DailyCapacityMinutes int                  `json:"daily_capacity_minutes"`
	CrewSize             int                  `json:"crew_size"`
	HourlyCost           float64              `json:"hourly_cost"`
	Zones                []Zone               `json:"zones"`
	Availability         []AvailabilityWindow `json:"availability"`
	TimeOff              []TimeOff            `json:"time_off"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// ScheduledVisit is work already on a crew's calendar for one day.
type ScheduledVisit struct {
	ID          string `json:"id"`
	CrewID      string `json:"crew_id"`
	Date        string `json:"date"`
	StartMinute int    `json:"start_minute"`
	Minutes     int    `json:"minutes"`
	Location    LatLng `json:"location"`
}

type JobStatus string

const (
	JobNew               JobStatus = "new"
	JobSimulated         JobStatus = "simulated"
	JobDecided           JobStatus = "decided"
	JobAssigned          JobStatus = "assigned"
	JobCompleted         JobStatus = "completed"
	JobNeedsResimulation JobStatus = "needs_resimulation"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobNew:               {JobSimulated},
	JobSimulated:         {JobSimulated, JobDecided},
	JobNeedsResimulation: {JobSimulated},
	JobDecided:           {JobAssigned, JobNeedsResimulation},
	JobAssigned:          {JobCompleted},
}

// CanTransition reports whether a job request may move from one status to another.
// Status only moves forward, except a rejected decision sends the job back for
// re-simulation.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Simulatable reports whether a ranking run may be started for the job.
func (s JobStatus) Simulatable() bool {
	return s.CanTransition(JobSimulated)
}

type JobRequest struct {
	ID                   string    `json:"id"`
	BusinessID           string    `json:"business_id"`
	CustomerName         string    `json:"customer_name"`
	CustomerPhone        string    `json:"customer_phone"`
	SessionID            string    `json:"session_id,omitempty"`
	Address              string    `json:"address"`
	Location             LatLng    `json:"location"`
	Zip                  string    `json:"zip"`
	ServiceType          string    `json:"service_type"`
	RequiredSkills       []string  `json:"required_skills"`
	RequiredEquipment    []string  `json:"required_equipment"`
	CrewSizeMin          int       `json:"crew_size_min"`
	LaborLowMinutes      int       `json:"labor_low_minutes"`
	LaborHighMinutes     int       `json:"labor_high_minutes"`
	PriceLow             float64   `json:"price_low"`
	PriceHigh            float64   `json:"price_high"`
	PreferredStartMinute int       `json:"preferred_start_minute"`
	PreferredDate        string    `json:"preferred_date,omitempty"`
	Status               JobStatus `json:"status"`
	LatestRunID          string    `json:"latest_run_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type SimulationRun struct {
	ID                  string          `json:"id"`
	BusinessID          string          `json:"business_id"`
	JobRequestID        string          `json:"job_request_id"`
	Config              json.RawMessage `json:"config"`
	CandidatesGenerated int             `json:"candidates_generated"`
	CandidatesPersisted int             `json:"candidates_persisted"`
	CreatedAt           time.Time       `json:"created_at"`
}

type MarginRisk string

const (
	RiskLow    MarginRisk = "low"
	RiskMedium MarginRisk = "medium"
	RiskHigh   MarginRisk = "high"
)

type SimulationCandidate struct {
	ID                       string     `json:"id"`
	SimulationRunID          string     `json:"simulation_run_id"`
	BusinessID               string     `json:"business_id"`
	JobRequestID             string     `json:"job_request_id"`
	CrewID                   string     `json:"crew_id"`
	Date                     string     `json:"date"`
	StartMinute              int        `json:"start_minute"`
	EndMinute                int        `json:"end_minute"`
	TravelMiles              float64    `json:"travel_miles"`
	TravelMinutes            int        `json:"travel_minutes"`
	LaborMinutes             int        `json:"labor_minutes"`
	ExpectedRevenue          float64    `json:"expected_revenue"`
	EstimatedCost            float64    `json:"estimated_cost"`
	MarginScore              float64    `json:"margin_score"`
	MarginBurn               float64    `json:"margin_burn"`
	MarginRisk               MarginRisk `json:"margin_risk"`
	RemainingCapacityMinutes int        `json:"remaining_capacity_minutes"`
	SkillCoverage            float64    `json:"skill_coverage"`
	EquipmentCoverage        float64    `json:"equipment_coverage"`
	CompositeScore           float64    `json:"composite_score"`
	Rank                     int        `json:"rank"`
	CreatedAt                time.Time  `json:"created_at"`
}

type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending_approval"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

type Decision struct {
	ID               string          `json:"id"`
	BusinessID       string          `json:"business_id"`
	JobRequestID     string          `json:"job_request_id"`
	SimulationID     string          `json:"simulation_id"`
	CrewID           string          `json:"crew_id"`
	Date             string          `json:"date"`
	CreatedByUserID  string          `json:"created_by_user_id"`
	Reasoning        json.RawMessage `json:"reasoning"`
	Status           DecisionStatus  `json:"status"`
	ApprovedByUserID *string         `json:"approved_by_user_id"`
	ApprovedAt       *time.Time      `json:"approved_at"`
	RejectedByUserID *string         `json:"rejected_by_user_id"`
	RejectedAt       *time.Time      `json:"rejected_at"`
	RejectReason     string          `json:"reject_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type WritebackRequest struct {
	ID                string    `json:"id"`
	BusinessID        string    `json:"business_id"`
	DecisionID        string    `json:"decision_id"`
	JobRequestID      string    `json:"job_request_id"`
	CrewID            string    `json:"crew_id"`
	Date              string    `json:"date"`
	StartMinute       int       `json:"start_minute"`
	ExternalAccountID string    `json:"external_account_id"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}
