package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/turfline/backend/internal/dispatch"
	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/service"
)

type CrewRequest struct {
	ID                   string                      `json:"id"`
	Name                 string                      `json:"name" validate:"required"`
	Skills               []string                    `json:"skills"`
	Equipment            []string                    `json:"equipment"`
	HomeBase             models.LatLng               `json:"home_base"`
	ServiceRadiusMiles   float64                     `json:"service_radius_miles" validate:"gte=0"`
	DailyCapacityMinutes int                         `json:"daily_capacity_minutes" validate:"gte=0,lte=1440"`
	CrewSize             int                         `json:"crew_size" validate:"required,gte=1"`
	HourlyCost           float64                     `json:"hourly_cost" validate:"gte=0"`
	Zones                []models.Zone               `json:"zones"`
	Availability         []models.AvailabilityWindow `json:"availability"`
	TimeOff              []models.TimeOff            `json:"time_off"`
}

type VisitRequest struct {
	Date        string  `json:"date" validate:"required,datetime=2006-01-02"`
	StartMinute int     `json:"start_minute" validate:"gte=0,lt=1440"`
	Minutes     int     `json:"minutes" validate:"required,gt=0"`
	Lat         float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng         float64 `json:"lng" validate:"gte=-180,lte=180"`
}

type JobRequestBody struct {
	CustomerName         string   `json:"customer_name"`
	CustomerPhone        string   `json:"customer_phone"`
	Address              string   `json:"address"`
	Lat                  float64  `json:"lat" validate:"gte=-90,lte=90"`
	Lng                  float64  `json:"lng" validate:"gte=-180,lte=180"`
	Zip                  string   `json:"zip"`
	ServiceType          string   `json:"service_type" validate:"required"`
	RequiredSkills       []string `json:"required_skills"`
	RequiredEquipment    []string `json:"required_equipment"`
	CrewSizeMin          int      `json:"crew_size_min" validate:"gte=0"`
	LaborLowMinutes      int      `json:"labor_low_minutes" validate:"required,gt=0"`
	LaborHighMinutes     int      `json:"labor_high_minutes" validate:"required,gtefield=LaborLowMinutes"`
	PriceLow             float64  `json:"price_low" validate:"gte=0"`
	PriceHigh            float64  `json:"price_high" validate:"gtefield=PriceLow"`
	PreferredStartMinute int      `json:"preferred_start_minute" validate:"gte=0,lt=1440"`
	PreferredDate        string   `json:"preferred_date" validate:"omitempty,datetime=2006-01-02"`
}

// SimulateRequest overrides the configured simulation defaults field by field.
type SimulateRequest struct {
	DateRangeDays        *int     `json:"date_range_days" validate:"omitempty,gte=1,lte=60"`
	SkillMatchMinPct     *float64 `json:"skill_match_min_pct" validate:"omitempty,gte=0,lte=100"`
	EquipmentMatchMinPct *float64 `json:"equipment_match_min_pct" validate:"omitempty,gte=0,lte=100"`
	PersistTopN          *int     `json:"persist_top_n" validate:"omitempty,gte=0"`
	ReturnTopN           *int     `json:"return_top_n" validate:"omitempty,gte=0"`
}

func (r SimulateRequest) apply(cfg service.SimulationConfig) service.SimulationConfig {
	if r.DateRangeDays != nil {
		cfg.DateRangeDays = *r.DateRangeDays
	}
	if r.SkillMatchMinPct != nil {
		cfg.SkillMatchMinPct = *r.SkillMatchMinPct
	}
	if r.EquipmentMatchMinPct != nil {
		cfg.EquipmentMatchMinPct = *r.EquipmentMatchMinPct
	}
	if r.PersistTopN != nil {
		cfg.PersistTopN = *r.PersistTopN
	}
	if r.ReturnTopN != nil {
		cfg.ReturnTopN = *r.ReturnTopN
	}
	return cfg
}

// @Summary List crews
// @Tags crews
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Crew
// @Router /api/crews [get]
func (h *Handler) CrewsList(c *gin.Context) {
	crews, err := h.Jobs.ListCrews(c.Request.Context(), identity(c).BusinessID)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, crews)
}

// @Summary Create or update a crew
// @Tags crews
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body CrewRequest true "crew"
// @Success 200 {object} models.Crew
// @Failure 400 {object} ErrorResponse
// @Router /api/crews [post]
func (h *Handler) CrewUpsert(c *gin.Context) {
	var req CrewRequest
	if !h.bind(c, &req) {
		return
	}
	crew, err := h.Jobs.SaveCrew(c.Request.Context(), identity(c).BusinessID, models.Crew{
		ID:                   req.ID,
		Name:                 req.Name,
		Skills:               req.Skills,
		Equipment:            req.Equipment,
		HomeBase:             req.HomeBase,
		ServiceRadiusMiles:   req.ServiceRadiusMiles,
		DailyCapacityMinutes: req.DailyCapacityMinutes,
		CrewSize:             req.CrewSize,
		HourlyCost:           req.HourlyCost,
		Zones:                req.Zones,
		Availability:         req.Availability,
		TimeOff:              req.TimeOff,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, crew)
}

// @Summary Record a visit already on a crew's schedule
// @Tags crews
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "crew id"
// @Param body body VisitRequest true "visit"
// @Success 201 {object} models.ScheduledVisit
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/crews/{id}/visits [post]
func (h *Handler) CrewVisitAdd(c *gin.Context) {
	var req VisitRequest
	if !h.bind(c, &req) {
		return
	}
	v, err := h.Jobs.AddVisit(c.Request.Context(), identity(c).BusinessID, c.Param("id"), models.ScheduledVisit{
		Date:        req.Date,
		StartMinute: req.StartMinute,
		Minutes:     req.Minutes,
		Location:    models.LatLng{Lat: req.Lat, Lng: req.Lng},
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// @Summary Create a job request
// @Tags jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body JobRequestBody true "job request"
// @Success 201 {object} models.JobRequest
// @Failure 400 {object} ErrorResponse
// @Router /api/job-requests [post]
func (h *Handler) JobRequestCreate(c *gin.Context) {
	var req JobRequestBody
	if !h.bind(c, &req) {
		return
	}
	job, err := h.Jobs.CreateJobRequest(c.Request.Context(), identity(c).BusinessID, models.JobRequest{
		CustomerName:         req.CustomerName,
		CustomerPhone:        req.CustomerPhone,
		Address:              req.Address,
		Location:             models.LatLng{Lat: req.Lat, Lng: req.Lng},
		Zip:                  req.Zip,
		ServiceType:          req.ServiceType,
		RequiredSkills:       req.RequiredSkills,
		RequiredEquipment:    req.RequiredEquipment,
		CrewSizeMin:          req.CrewSizeMin,
		LaborLowMinutes:      req.LaborLowMinutes,
		LaborHighMinutes:     req.LaborHighMinutes,
		PriceLow:             req.PriceLow,
		PriceHigh:            req.PriceHigh,
		PreferredStartMinute: req.PreferredStartMinute,
		PreferredDate:        req.PreferredDate,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// @Summary Get a job request
// @Tags jobs
// @Produce json
// @Security BearerAuth
// @Param id path string true "job request id"
// @Success 200 {object} models.JobRequest
// @Failure 404 {object} ErrorResponse
// @Router /api/job-requests/{id} [get]
func (h *Handler) JobRequestGet(c *gin.Context) {
	job, err := h.Jobs.GetJobRequest(c.Request.Context(), identity(c).BusinessID, c.Param("id"))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// @Summary Explain crew eligibility for a job request
// @Tags jobs
// @Produce json
// @Security BearerAuth
// @Param id path string true "job request id"
// @Param skill_match_min_pct query number false "minimum skill coverage percent"
// @Param equipment_match_min_pct query number false "minimum equipment coverage percent"
// @Success 200 {object} dispatch.EligibilityResult
// @Failure 400 {object} ErrorResponse
// @Router /api/job-requests/{id}/eligibility [get]
func (h *Handler) JobEligibility(c *gin.Context) {
	th := dispatch.Thresholds{
		SkillMatchMinPct:     h.SimDefaults.SkillMatchMinPct,
		EquipmentMatchMinPct: h.SimDefaults.EquipmentMatchMinPct,
	}
	for key, dst := range map[string]*float64{
		"skill_match_min_pct":     &th.SkillMatchMinPct,
		"equipment_match_min_pct": &th.EquipmentMatchMinPct,
	} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 100 {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", key+" must be a number between 0 and 100", nil)
			return
		}
		*dst = v
	}
	res, err := h.Simulations.Eligibility(c.Request.Context(), identity(c).BusinessID, c.Param("id"), th)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary Rank crews and dates for a job request
// @Description Scores every feasible (crew, date) pair, persists the top N and returns the best few. A job no crew can serve returns empty lists.
// @Tags jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "job request id"
// @Param body body SimulateRequest false "overrides"
// @Success 200 {object} service.SimulationResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/job-requests/{id}/simulate [post]
func (h *Handler) JobSimulate(c *gin.Context) {
	var req SimulateRequest
	if c.Request.ContentLength != 0 {
		if !h.bind(c, &req) {
			return
		}
	}
	res, err := h.Simulations.RunSimulations(c.Request.Context(), identity(c).BusinessID, c.Param("id"), req.apply(h.SimDefaults))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
