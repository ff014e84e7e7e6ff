package sms

import (
	"fmt"
	"math"
	"time"

	"github.com/turfline/backend/internal/models"
)

const (
	quoteLowFactor  = 0.9
	quoteHighFactor = 1.15
	laborLowFactor  = 0.85
	laborHighFactor = 1.25
)

// PriceRange returns the per-visit price band for a service on a lot.
func PriceRange(t Template, service, frequency string, lotSqft int) (float64, float64, error) {
	spec, ok := t.Services[service]
	if !ok {
		return 0, 0, fmt.Errorf("template %s: unknown service %q", t.ID, service)
	}
	if lotSqft <= 0 {
		lotSqft = t.DefaultLotSqft
	}
	price := spec.BasePrice + spec.PricePer1000Sqft*float64(lotSqft)/1000
	price *= 1 + t.FrequencyAdjustments[frequency]
	return math.Round(price * quoteLowFactor), math.Round(price * quoteHighFactor), nil
}

// LaborRange returns the low/high on-site minutes for a service on a lot.
func LaborRange(t Template, service string, lotSqft int) (int, int, error) {
	spec, ok := t.Services[service]
	if !ok {
		return 0, 0, fmt.Errorf("template %s: unknown service %q", t.ID, service)
	}
	if lotSqft <= 0 {
		lotSqft = t.DefaultLotSqft
	}
	minutes := float64(spec.BaseMinutes) + spec.MinutesPer1000Sqft*float64(lotSqft)/1000
	return int(math.Round(minutes * laborLowFactor)), int(math.Round(minutes * laborHighFactor)), nil
}

func buildQuote(t Template, collected map[string]string, lotSqft int, at time.Time) (*models.Quote, error) {
	service := collected["service"]
	frequency := collected["frequency"]
	if lotSqft <= 0 {
		lotSqft = t.DefaultLotSqft
	}
	low, high, err := PriceRange(t, service, frequency, lotSqft)
	if err != nil {
		return nil, err
	}
	return &models.Quote{
		Service:   service,
		Frequency: frequency,
		LotSqft:   lotSqft,
		PriceLow:  low,
		PriceHigh: high,
		Currency:  "USD",
		PerVisit:  frequency != "one_time",
		QuotedAt:  at,
	}, nil
}

// proposeSlots offers one slot on each of the next business days after at.
func proposeSlots(t Template, at time.Time) []models.Slot {
	starts := t.SlotStartMinutes
	if len(starts) == 0 {
		starts = []int{8 * 60, 13 * 60, 8 * 60}
	}
	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	slots := make([]models.Slot, 0, len(starts))
	for len(slots) < len(starts) {
		day = day.AddDate(0, 0, 1)
		if day.Weekday() == time.Sunday || day.Weekday() == time.Saturday {
			continue
		}
		start := starts[len(slots)]
		slots = append(slots, models.Slot{
			Date:        day.Format(models.DateLayout),
			StartMinute: start,
			Label:       day.Format("Mon Jan 2") + ", " + clock(start),
		})
	}
	return slots
}

func clock(minute int) string {
	h, m := minute/60, minute%60
	suffix := "AM"
	if h >= 12 {
		suffix = "PM"
	}
	if h > 12 {
		h -= 12
	}
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, m, suffix)
}

func money(v float64) string {
	return fmt.Sprintf("$%.0f", v)
}
