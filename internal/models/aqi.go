package models

import "time"

// AqiLevel is the severity band for an AQI reading.
type AqiLevel string

const (
	LevelGood               AqiLevel = "Good"
	LevelModerate           AqiLevel = "Moderate"
	LevelUnhealthySensitive AqiLevel = "Unhealthy for Sensitive Groups"
	LevelUnhealthy          AqiLevel = "Unhealthy"
	LevelVeryUnhealthy      AqiLevel = "Very Unhealthy"
	LevelHazardous          AqiLevel = "Hazardous"
	LevelUnknown            AqiLevel = "Unknown"
)

// DefaultPollutantUnit is used when the upstream omits a unit.
const DefaultPollutantUnit = "µg/m³"

type Pollutant struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Description string  `json:"description,omitempty"`
}

// AqiData is the dashboard payload for one city or coordinate lookup.
// Weather fields are optional; nil means the upstream did not report them.
type AqiData struct {
	City              string      `json:"city"`
	Aqi               int         `json:"aqi"`
	Level             AqiLevel    `json:"level"`
	DominantPollutant string      `json:"dominantPollutant"`
	Pollutants        []Pollutant `json:"pollutants"`
	Temperature       *float64    `json:"temperature,omitempty"`
	Humidity          *float64    `json:"humidity,omitempty"`
	UVIndex           *float64    `json:"uvIndex,omitempty"`
	HealthAdvice      string      `json:"healthAdvice"`
	LastUpdated       time.Time   `json:"lastUpdated"`
	SourceURLs        []string    `json:"sourceUrls"`
	Activities        []Activity  `json:"activities,omitempty"`
	Stale             bool        `json:"stale,omitempty"` // served from stale cache after an upstream failure
}

type CitySuggestion struct {
	Name    string `json:"name"`
	Aqi     int    `json:"aqi"`
	Country string `json:"country,omitempty"`
}

// ActivityStatus is the colour tier a client renders for an activity.
type ActivityStatus string

const (
	ActivityGood    ActivityStatus = "good"
	ActivityCaution ActivityStatus = "caution"
	ActivityBad     ActivityStatus = "bad"
)

// Activity is one row of the activity guide. For inverse activities (mask),
// Allowed means "action required" rather than "safe to do".
type Activity struct {
	Label   string         `json:"label"`
	Advice  string         `json:"advice"`
	Allowed bool           `json:"allowed"`
	Warning bool           `json:"warning"`
	Inverse bool           `json:"inverse,omitempty"`
	Status  ActivityStatus `json:"status"`
}
