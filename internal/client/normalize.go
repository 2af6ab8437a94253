package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ankitRaj925/Atmos-AQI/internal/aqi"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
)

// ErrUnparseable means no JSON payload could be recovered from model text.
var ErrUnparseable = errors.New("unparseable model response")

// MaxSources caps the source links attached to a reading.
const MaxSources = 5

const (
	unknownPollutant = "Unknown"
	noAdvice         = "No advice available."
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")

// ExtractJSON returns the JSON payload embedded in model output. It prefers a
// fenced ```json block, then the whole text, then the outermost {...} or [...].
func ExtractJSON(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrUnparseable
	}
	candidate := trimmed
	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}

	start := strings.IndexAny(candidate, "{[")
	if start < 0 {
		return "", ErrUnparseable
	}
	closer := byte('}')
	if candidate[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(candidate, closer)
	if end <= start {
		return "", ErrUnparseable
	}
	inner := candidate[start : end+1]
	if !json.Valid([]byte(inner)) {
		return "", ErrUnparseable
	}
	return inner, nil
}

// flexNumber decodes a JSON number, a numeric string ("152", "41 µg/m³") or null.
type flexNumber struct {
	value float64
	valid bool
}

var leadingNumber = regexp.MustCompile(`^-?\d+(?:\.\d+)?`)

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		m := leadingNumber.FindString(strings.TrimSpace(s))
		if m == "" {
			return nil
		}
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		n.value, n.valid = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	n.value, n.valid = v, true
	return nil
}

func (n flexNumber) ptr() *float64 {
	if !n.valid {
		return nil
	}
	v := n.value
	return &v
}

type rawPollutant struct {
	Name        string     `json:"name"`
	Value       flexNumber `json:"value"`
	Unit        string     `json:"unit"`
	Description string     `json:"description"`
}

type rawAqi struct {
	City              string         `json:"city"`
	Aqi               flexNumber     `json:"aqi"`
	DominantPollutant string         `json:"dominantPollutant"`
	Pollutants        []rawPollutant `json:"pollutants"`
	Temperature       flexNumber     `json:"temperature"`
	Humidity          flexNumber     `json:"humidity"`
	UVIndex           flexNumber     `json:"uvIndex"`
	HealthAdvice      string         `json:"healthAdvice"`
}

type rawSuggestion struct {
	Name    string     `json:"name"`
	Aqi     flexNumber `json:"aqi"`
	Country string     `json:"country"`
}

// parseAqi extracts and normalizes an AQI reading from model text.
func parseAqi(text, fallbackCity string, sources []string, now time.Time) (models.AqiData, error) {
	payload, err := ExtractJSON(text)
	if err != nil {
		return models.AqiData{}, err
	}
	var raw rawAqi
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return models.AqiData{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return normalizeAqi(raw, fallbackCity, sources, now), nil
}

func normalizeAqi(raw rawAqi, fallbackCity string, sources []string, now time.Time) models.AqiData {
	// Names from the model are kept as written ("McLeod Ganj", "NCR").
	city := strings.Join(strings.Fields(raw.City), " ")
	if city == "" {
		city = fallbackCity
	}

	data := models.AqiData{
		City:              city,
		DominantPollutant: strings.TrimSpace(raw.DominantPollutant),
		Temperature:       raw.Temperature.ptr(),
		Humidity:          raw.Humidity.ptr(),
		UVIndex:           raw.UVIndex.ptr(),
		HealthAdvice:      strings.TrimSpace(raw.HealthAdvice),
		LastUpdated:       now.UTC(),
		SourceURLs:        DedupeSources(sources, MaxSources),
		Pollutants:        []models.Pollutant{},
	}

	if raw.Aqi.valid {
		data.Aqi = int(math.Round(math.Max(raw.Aqi.value, 0)))
		data.Level = aqi.LevelFor(data.Aqi)
	} else {
		data.Level = models.LevelUnknown
	}
	if data.DominantPollutant == "" {
		data.DominantPollutant = unknownPollutant
	}
	if data.HealthAdvice == "" {
		data.HealthAdvice = noAdvice
	}

	for _, p := range raw.Pollutants {
		name := strings.TrimSpace(p.Name)
		if name == "" || !p.Value.valid {
			continue
		}
		unit := strings.TrimSpace(p.Unit)
		if unit == "" {
			unit = models.DefaultPollutantUnit
		}
		data.Pollutants = append(data.Pollutants, models.Pollutant{
			Name:        name,
			Value:       p.Value.value,
			Unit:        unit,
			Description: strings.TrimSpace(p.Description),
		})
	}
	return data
}

// parseSuggestions decodes a JSON array of cities, dropping nameless entries
// and duplicates, and keeping at most limit.
func parseSuggestions(text string, limit int) ([]models.CitySuggestion, error) {
	payload, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var raw []rawSuggestion
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	out := make([]models.CitySuggestion, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		name := TitleCity(r.Name)
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		s := models.CitySuggestion{Name: name, Country: strings.TrimSpace(r.Country)}
		if r.Aqi.valid && r.Aqi.value >= 0 {
			s.Aqi = int(math.Round(r.Aqi.value))
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DedupeSources keeps the first URL per host (ignoring a leading "www.") and
// at most limit entries. Unparseable URLs are skipped.
func DedupeSources(urls []string, limit int) []string {
	out := []string{}
	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, u.String())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// TitleCity trims and title-cases a city name ("new delhi" -> "New Delhi").
func TitleCity(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	// A Caser carries state and must not be shared across goroutines.
	return cases.Title(language.English).String(s)
}
