package geocode

import (
	"context"
	"strings"
	"unicode"

	"github.com/turfline/backend/internal/utils"
)

// MockGeocoder resolves addresses to stable pseudo-coordinates scattered
// around Center. No network calls are made; the same query always yields the
// same point.
type MockGeocoder struct {
	CenterLat   float64
	CenterLng   float64
	SpreadDeg   float64
	RegionLabel string
}

func (g MockGeocoder) Geocode(ctx context.Context, query string) (Result, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Result{}, ErrNotFound
	}
	spread := g.SpreadDeg
	if spread <= 0 {
		spread = 0.15
	}
	h := utils.HashStringToUint64(strings.ToLower(q))
	dLat := (float64(h%10000)/10000.0 - 0.5) * 2 * spread
	dLng := (float64((h/10000)%10000)/10000.0 - 0.5) * 2 * spread

	confidence := 0.9
	if !startsWithNumber(q) {
		confidence = 0.4
	}
	display := q
	if g.RegionLabel != "" {
		display = q + ", " + g.RegionLabel
	}
	return Result{
		Lat:         utils.Round(g.CenterLat+dLat, 6),
		Lng:         utils.Round(g.CenterLng+dLng, 6),
		DisplayName: display,
		Confidence:  confidence,
	}, nil
}

func startsWithNumber(s string) bool {
	for _, r := range s {
		return unicode.IsDigit(r)
	}
	return false
}
