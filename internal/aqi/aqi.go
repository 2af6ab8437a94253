// Package aqi classifies AQI readings into US EPA severity bands and derives
// the activity guidance shown next to a reading.
package aqi

import "github.com/ankitRaj925/Atmos-AQI/internal/models"

// Band upper bounds (inclusive).
const (
	GoodMax               = 50
	ModerateMax           = 100
	UnhealthySensitiveMax = 150
	UnhealthyMax          = 200
	VeryUnhealthyMax      = 300
)

// LevelFor returns the severity band for aqi. Negative values are Unknown.
func LevelFor(aqi int) models.AqiLevel {
	switch {
	case aqi < 0:
		return models.LevelUnknown
	case aqi <= GoodMax:
		return models.LevelGood
	case aqi <= ModerateMax:
		return models.LevelModerate
	case aqi <= UnhealthySensitiveMax:
		return models.LevelUnhealthySensitive
	case aqi <= UnhealthyMax:
		return models.LevelUnhealthy
	case aqi <= VeryUnhealthyMax:
		return models.LevelVeryUnhealthy
	default:
		return models.LevelHazardous
	}
}

// Activities returns the activity guide for aqi, or nil when aqi is negative.
func Activities(aqi int) []models.Activity {
	if aqi < 0 {
		return nil
	}
	moderate := aqi <= ModerateMax
	sensitive := aqi <= UnhealthySensitiveMax
	unhealthy := aqi > UnhealthySensitiveMax

	pick := func(bad, caution, good string) string {
		if unhealthy {
			return bad
		}
		if sensitive && !moderate {
			return caution
		}
		return good
	}

	// Sports and cycling warn in the sensitive band (101-150); windows and
	// masks warn in the moderate band (51-100).
	activities := []models.Activity{
		{
			Label:   "Outdoor Sports",
			Allowed: !unhealthy,
			Warning: sensitive && !moderate,
			Advice:  pick("Avoid", "Limit", "Enjoy"),
		},
		{
			Label:   "Cycling",
			Allowed: !unhealthy,
			Warning: sensitive && !moderate,
			Advice:  pick("Avoid", "Light", "Go for it"),
		},
		{
			Label:   "Ventilation",
			Allowed: moderate,
			Warning: moderate && aqi > GoodMax,
			Advice:  ventilationAdvice(moderate),
		},
		{
			Label:   "Mask Needed",
			Allowed: !moderate,
			Warning: moderate && aqi > GoodMax,
			Inverse: true,
			Advice:  pick("Required", "Recommended", "Not Needed"),
		},
	}
	for i := range activities {
		activities[i].Status = statusOf(activities[i])
	}
	return activities
}

func ventilationAdvice(open bool) string {
	if open {
		return "Open Windows"
	}
	return "Keep Closed"
}

func statusOf(a models.Activity) models.ActivityStatus {
	if a.Inverse {
		switch a.Advice {
		case "Required":
			return models.ActivityBad
		case "Recommended":
			return models.ActivityCaution
		default:
			return models.ActivityGood
		}
	}
	if !a.Allowed {
		return models.ActivityBad
	}
	if a.Warning {
		return models.ActivityCaution
	}
	return models.ActivityGood
}
