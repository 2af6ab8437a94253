package client

import "fmt"

// estimateSuffix is appended to the city prompt for the ungrounded retry.
const estimateSuffix = " \n(Estimate values based on known patterns if real-time data is unavailable)."

const aqiShape = `{
  "city": "Official City Name",
  "aqi": 150,
  "dominantPollutant": "PM2.5",
  "temperature": 28,
  "humidity": 45,
  "uvIndex": 6,
  "pollutants": [
    {"name": "PM2.5", "value": 55, "unit": "µg/m³", "description": "One sentence on what this pollutant is."}
  ],
  "healthAdvice": "One or two sentences of practical advice."
}`

// LocationFallbackPrefix starts the name given to coordinates the model could not place.
const LocationFallbackPrefix = "Loc: "

const readingRequirements = `I need the specific numeric AQI value on the US EPA scale, the dominant pollutant, and weather details (temperature, humidity, UV index).
Also provide a health advice summary based on the AQI.
Estimate a breakdown of pollutants (PM2.5, PM10, NO2, SO2, CO, O3) with values.
Add a short, 1-sentence description for each pollutant explaining what it is.`

func cityPrompt(city string) string {
	return fmt.Sprintf(`Find the current real-time Air Quality Index (AQI) for %q.
%s

IMPORTANT:
1. The "city" field MUST be the official, properly capitalized name of the city (e.g. for "begusarai" return "Begusarai").
2. Provide at least 3 distinct source URLs.

Respond with a single strictly valid JSON object in a `+"```json"+` block, shaped exactly like:
%s`, city, readingRequirements, aqiShape)
}

func locationPrompt(lat, lon float64) string {
	return fmt.Sprintf(`Identify the city or area at latitude %.4f, longitude %.4f, then find its current Air Quality Index (AQI) and weather.
%s
The "city" field MUST be the official name of that city or area.

Respond with a single strictly valid JSON object in a `+"```json"+` block, shaped exactly like:
%s`, lat, lon, readingRequirements, aqiShape)
}

func suggestPrompt(query string, limit int) string {
	return fmt.Sprintf(`List %d major Indian cities whose name starts with or closely matches %q, with an approximate current AQI.
JSON only: [{"name": "City", "aqi": 100}]. Use title case for names.`, limit, query)
}

func locationFallbackName(lat, lon float64) string {
	return fmt.Sprintf(LocationFallbackPrefix+"%.2f, %.2f", lat, lon)
}
