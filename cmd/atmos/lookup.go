package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
	"github.com/ankitRaj925/Atmos-AQI/internal/validation"
)

// runOneShot loads config, wires the app and runs fn with a request-scoped context.
func runOneShot(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	logger, cfg, err := startupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = observability.FlushTelemetry(logger) }()

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("cache close", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	defer cancel()
	return fn(observability.WithLogger(ctx, logger), a)
}

func lookupCmd() *cobra.Command {
	var (
		lat, lon string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "lookup [city]",
		Short: "Fetch the current AQI for a city or coordinates",
		Example: `  atmos lookup Delhi
  atmos lookup --lat 28.61 --lon 77.21 --json`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			byLocation := lat != "" || lon != ""
			if byLocation == (len(args) == 1) {
				return fmt.Errorf("provide either a city or --lat and --lon")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd, func(ctx context.Context, a *app) error {
				var (
					data models.AqiData
					err  error
				)
				if len(args) == 1 {
					city, verr := validation.ValidateCity(args[0], a.cfg.CityMinLength, a.cfg.CityMaxLength)
					if verr != nil {
						return verr
					}
					data, err = a.aqi.GetByCity(ctx, city)
				} else {
					la, lo, verr := validation.ParseCoordinates(lat, lon)
					if verr != nil {
						return verr
					}
					data, err = a.aqi.GetByLocation(ctx, la, lo)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), data)
				}
				printReading(cmd.OutOrStdout(), data)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lat, "lat", "", "latitude")
	cmd.Flags().StringVar(&lon, "lon", "", "longitude")
	cmd.MarkFlagsRequiredTogether("lat", "lon")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON payload")
	return cmd
}

func suggestCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "suggest <query>",
		Short: "List matching cities for a partial name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd, func(ctx context.Context, a *app) error {
				list, err := a.suggestions.Suggest(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				printSuggestions(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON payload")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReading(w io.Writer, d models.AqiData) {
	fmt.Fprintf(w, "%s: AQI %d (%s)\n", d.City, d.Aqi, d.Level)
	fmt.Fprintf(w, "Dominant pollutant: %s\n", d.DominantPollutant)
	for _, p := range d.Pollutants {
		fmt.Fprintf(w, "  %-6s %8.1f %s\n", p.Name, p.Value, p.Unit)
	}
	var weather []string
	if d.Temperature != nil {
		weather = append(weather, fmt.Sprintf("%.0f°C", *d.Temperature))
	}
	if d.Humidity != nil {
		weather = append(weather, fmt.Sprintf("%.0f%% humidity", *d.Humidity))
	}
	if d.UVIndex != nil {
		weather = append(weather, fmt.Sprintf("UV %.0f", *d.UVIndex))
	}
	if len(weather) > 0 {
		fmt.Fprintf(w, "Weather: %s\n", strings.Join(weather, ", "))
	}
	fmt.Fprintf(w, "Advice: %s\n", d.HealthAdvice)
	for _, act := range d.Activities {
		fmt.Fprintf(w, "  [%s] %s: %s\n", act.Status, act.Label, act.Advice)
	}
	if d.Stale {
		fmt.Fprintln(w, "(stale: upstream unavailable, showing cached reading)")
	}
	for _, u := range d.SourceURLs {
		fmt.Fprintf(w, "Source: %s\n", u)
	}
}

func printSuggestions(w io.Writer, list []models.CitySuggestion) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	for _, s := range list {
		name := s.Name
		if s.Country != "" {
			name += ", " + s.Country
		}
		fmt.Fprintf(w, "%-30s AQI %d\n", name, s.Aqi)
	}
}
