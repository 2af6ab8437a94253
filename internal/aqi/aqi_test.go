package aqi

import (
	"testing"

	"github.com/ankitRaj925/Atmos-AQI/internal/models"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		aqi  int
		want models.AqiLevel
	}{
		{-1, models.LevelUnknown},
		{0, models.LevelGood},
		{50, models.LevelGood},
		{51, models.LevelModerate},
		{100, models.LevelModerate},
		{101, models.LevelUnhealthySensitive},
		{150, models.LevelUnhealthySensitive},
		{151, models.LevelUnhealthy},
		{200, models.LevelUnhealthy},
		{201, models.LevelVeryUnhealthy},
		{300, models.LevelVeryUnhealthy},
		{301, models.LevelHazardous},
		{999, models.LevelHazardous},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.aqi); got != tt.want {
			t.Errorf("LevelFor(%d) = %q, want %q", tt.aqi, got, tt.want)
		}
	}
}

func TestActivities_Unknown(t *testing.T) {
	if got := Activities(-5); got != nil {
		t.Errorf("Activities(-5) = %v, want nil", got)
	}
}

func TestActivities_Bands(t *testing.T) {
	type row struct {
		advice string
		status models.ActivityStatus
	}
	tests := []struct {
		name string
		aqi  int
		want map[string]row
	}{
		{
			name: "good",
			aqi:  30,
			want: map[string]row{
				"Outdoor Sports": {"Enjoy", models.ActivityGood},
				"Cycling":        {"Go for it", models.ActivityGood},
				"Ventilation":    {"Open Windows", models.ActivityGood},
				"Mask Needed":    {"Not Needed", models.ActivityGood},
			},
		},
		{
			name: "moderate",
			aqi:  80,
			want: map[string]row{
				"Outdoor Sports": {"Enjoy", models.ActivityGood},
				"Cycling":        {"Go for it", models.ActivityGood},
				"Ventilation":    {"Open Windows", models.ActivityCaution},
				"Mask Needed":    {"Not Needed", models.ActivityGood},
			},
		},
		{
			name: "sensitive",
			aqi:  130,
			want: map[string]row{
				"Outdoor Sports": {"Limit", models.ActivityCaution},
				"Cycling":        {"Light", models.ActivityCaution},
				"Ventilation":    {"Keep Closed", models.ActivityBad},
				"Mask Needed":    {"Recommended", models.ActivityCaution},
			},
		},
		{
			name: "unhealthy",
			aqi:  250,
			want: map[string]row{
				"Outdoor Sports": {"Avoid", models.ActivityBad},
				"Cycling":        {"Avoid", models.ActivityBad},
				"Ventilation":    {"Keep Closed", models.ActivityBad},
				"Mask Needed":    {"Required", models.ActivityBad},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Activities(tc.aqi)
			if len(got) != 4 {
				t.Fatalf("Activities(%d) len = %d, want 4", tc.aqi, len(got))
			}
			for _, a := range got {
				want, ok := tc.want[a.Label]
				if !ok {
					t.Fatalf("unexpected activity %q", a.Label)
				}
				if a.Advice != want.advice {
					t.Errorf("%s advice = %q, want %q", a.Label, a.Advice, want.advice)
				}
				if a.Status != want.status {
					t.Errorf("%s status = %q, want %q", a.Label, a.Status, want.status)
				}
			}
		})
	}
}

func TestActivities_MaskIsInverse(t *testing.T) {
	for _, a := range Activities(180) {
		if a.Label == "Mask Needed" {
			if !a.Inverse || !a.Allowed {
				t.Errorf("mask at 180 = %+v, want inverse and allowed", a)
			}
			return
		}
	}
	t.Fatal("mask activity missing")
}
