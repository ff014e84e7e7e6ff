// Package seed loads tenants, users and crews from a YAML fixture. The server
// applies it at startup when SEED_FILE is set; opsctl applies it on demand.
package seed

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turfline/backend/internal/models"
)

type Target interface {
	UpsertBusiness(ctx context.Context, b models.Business, phones []string) error
	UpsertUser(ctx context.Context, u models.User) error
	UpsertCrew(ctx context.Context, c models.Crew) error
}

type Fixture struct {
	Businesses []Business `yaml:"businesses"`
}

type Business struct {
	ID                string   `yaml:"id"`
	AccountID         string   `yaml:"account_id"`
	Name              string   `yaml:"name"`
	ServiceTemplateID string   `yaml:"service_template_id"`
	ClickToCall       bool     `yaml:"click_to_call"`
	JobberAccountID   string   `yaml:"jobber_account_id"`
	Phones            []string `yaml:"phones"`
	Users             []User   `yaml:"users"`
	Crews             []Crew   `yaml:"crews"`
}

type User struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

type Point struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

type Window struct {
	Day   string `yaml:"day"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type Zone struct {
	Name        string  `yaml:"name"`
	MinLat      float64 `yaml:"min_lat"`
	MaxLat      float64 `yaml:"max_lat"`
	MinLng      float64 `yaml:"min_lng"`
	MaxLng      float64 `yaml:"max_lng"`
	Center      *Point  `yaml:"center"`
	RadiusMiles float64 `yaml:"radius_miles"`
}

type Crew struct {
	ID                   string   `yaml:"id"`
	Name                 string   `yaml:"name"`
	Skills               []string `yaml:"skills"`
	Equipment            []string `yaml:"equipment"`
	HomeBase             Point    `yaml:"home_base"`
	ServiceRadiusMiles   float64  `yaml:"service_radius_miles"`
	DailyCapacityMinutes int      `yaml:"daily_capacity_minutes"`
	CrewSize             int      `yaml:"crew_size"`
	HourlyCost           float64  `yaml:"hourly_cost"`
	Zones                []Zone   `yaml:"zones"`
	Availability         []Window `yaml:"availability"`
}

func Load(path string) (Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Fixture{}, fmt.Errorf("seed: %w", err)
	}
	for i, b := range f.Businesses {
		if strings.TrimSpace(b.ID) == "" {
			return Fixture{}, fmt.Errorf("seed: business %d has no id", i)
		}
		for _, u := range b.Users {
			if !validRole(models.Role(u.Role)) {
				return Fixture{}, fmt.Errorf("seed: user %q has unknown role %q", u.ID, u.Role)
			}
		}
	}
	return f, nil
}

// Counts reports what Apply wrote.
type Counts struct {
	Businesses int `json:"businesses"`
	Users      int `json:"users"`
	Crews      int `json:"crews"`
}

func Apply(ctx context.Context, t Target, f Fixture) (Counts, error) {
	var n Counts
	for _, b := range f.Businesses {
		tmpl := b.ServiceTemplateID
		if tmpl == "" {
			tmpl = "lawncare_v1"
		}
		biz := models.Business{
			ID:                 b.ID,
			AccountID:          b.AccountID,
			Name:               b.Name,
			ServiceTemplateID:  tmpl,
			ClickToCallEnabled: b.ClickToCall,
			JobberAccountID:    b.JobberAccountID,
		}
		if err := t.UpsertBusiness(ctx, biz, b.Phones); err != nil {
			return n, fmt.Errorf("business %s: %w", b.ID, err)
		}
		n.Businesses++
		for _, u := range b.Users {
			if err := t.UpsertUser(ctx, models.User{ID: u.ID, BusinessID: b.ID, Name: u.Name, Role: models.Role(u.Role)}); err != nil {
				return n, fmt.Errorf("user %s: %w", u.ID, err)
			}
			n.Users++
		}
		for _, c := range b.Crews {
			crew, err := c.model(b.ID)
			if err != nil {
				return n, err
			}
			if err := t.UpsertCrew(ctx, crew); err != nil {
				return n, fmt.Errorf("crew %s: %w", c.ID, err)
			}
			n.Crews++
		}
	}
	return n, nil
}

func (c Crew) model(businessID string) (models.Crew, error) {
	out := models.Crew{
		ID:                   c.ID,
		BusinessID:           businessID,
		Name:                 c.Name,
		Skills:               c.Skills,
		Equipment:            c.Equipment,
		HomeBase:             models.LatLng{Lat: c.HomeBase.Lat, Lng: c.HomeBase.Lng},
		ServiceRadiusMiles:   c.ServiceRadiusMiles,
		DailyCapacityMinutes: c.DailyCapacityMinutes,
		CrewSize:             c.CrewSize,
		HourlyCost:           c.HourlyCost,
	}
	for _, z := range c.Zones {
		mz := models.Zone{
			Name:        z.Name,
			MinLat:      z.MinLat,
			MaxLat:      z.MaxLat,
			MinLng:      z.MinLng,
			MaxLng:      z.MaxLng,
			RadiusMiles: z.RadiusMiles,
		}
		if z.Center != nil {
			mz.Center = &models.LatLng{Lat: z.Center.Lat, Lng: z.Center.Lng}
		}
		out.Zones = append(out.Zones, mz)
	}
	for _, w := range c.Availability {
		days, err := parseDays(w.Day)
		if err != nil {
			return models.Crew{}, fmt.Errorf("crew %s: %w", c.ID, err)
		}
		start, err := parseClock(w.Start)
		if err != nil {
			return models.Crew{}, fmt.Errorf("crew %s: %w", c.ID, err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return models.Crew{}, fmt.Errorf("crew %s: %w", c.ID, err)
		}
		for _, d := range days {
			out.Availability = append(out.Availability, models.AvailabilityWindow{Weekday: d, StartMinute: start, EndMinute: end})
		}
	}
	return out, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseDays accepts a day name ("monday", "mon") or the shorthand "weekdays".
func parseDays(s string) ([]time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "weekdays" {
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, nil
	}
	if len(s) >= 3 {
		if d, ok := weekdays[s[:3]]; ok {
			return []time.Weekday{d}, nil
		}
	}
	return nil, fmt.Errorf("unknown day %q", s)
}

// parseClock turns "HH:MM" into minutes after midnight. "24:00" is allowed as an end.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad time %q", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || mm < 0 || mm > 59 || hh*60+mm > 1440 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return hh*60 + mm, nil
}

func validRole(r models.Role) bool {
	switch r {
	case models.RoleOwner, models.RoleAdmin, models.RoleDispatcher, models.RoleCrewLead, models.RoleStaff:
		return true
	}
	return false
}
