// Command locate resolves a location once and prints it.
//
// Usage:
//
//	go run ./cmd/locate                      # current location
//	go run ./cmd/locate -refresh             # ignore cached records
//	go run ./cmd/locate -reverse 40.015,-105.27
//	go run ./cmd/locate -search "Boulder, CO" -json
//
// Configuration comes from the same environment variables as the service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/location-resolver/internal/app"
	"github.com/couchcryptid/location-resolver/internal/config"
	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/observability"
)

type options struct {
	refresh  bool
	reverse  string
	search   string
	asJSON   bool
	verbose  bool
	timeout  time.Duration
	lat, lon float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "locate: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "locate: load config: %v\n", err)
		return 1
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	a, err := app.New(cfg, logger, observability.NewMetricsForTesting())
	if err != nil {
		fmt.Fprintf(stderr, "locate: %v\n", err)
		return 1
	}
	defer a.Close() //nolint:errcheck // process is exiting

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	rec, err := lookup(ctx, a, opts)
	if err != nil {
		fmt.Fprintf(stderr, "locate: %v\n", err)
		return 1
	}
	if rec == nil {
		fmt.Fprintln(stderr, "locate: no location found")
		return 1
	}

	if err := printRecord(stdout, *rec, opts.asJSON); err != nil {
		fmt.Fprintf(stderr, "locate: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("locate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.refresh, "refresh", false, "run a fresh detection instead of using cached records")
	fs.StringVar(&opts.reverse, "reverse", "", "reverse geocode `lat,lon` instead of detecting")
	fs.StringVar(&opts.search, "search", "", "forward geocode a place `query` instead of detecting")
	fs.BoolVar(&opts.asJSON, "json", false, "print the record as JSON")
	fs.BoolVar(&opts.verbose, "v", false, "log resolver activity to stderr")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up after this long")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.reverse != "" && opts.search != "" {
		return options{}, errors.New("-reverse and -search are mutually exclusive")
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("-timeout must be positive")
	}
	if opts.reverse != "" {
		lat, lon, err := parseCoordinates(opts.reverse)
		if err != nil {
			return options{}, err
		}
		opts.lat, opts.lon = lat, lon
	}
	return opts, nil
}

func parseCoordinates(s string) (float64, float64, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid coordinates %q: want lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q", latStr)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q", lonStr)
	}
	return lat, lon, nil
}

func lookup(ctx context.Context, a *app.App, opts options) (*domain.LocationRecord, error) {
	switch {
	case opts.reverse != "":
		return a.Resolver.ReverseGeocode(ctx, opts.lat, opts.lon)
	case opts.search != "":
		return a.Resolver.GeocodeLocation(ctx, opts.search)
	default:
		rec, err := a.Resolver.DetectLocation(ctx, opts.refresh)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	}
}

func printRecord(w io.Writer, rec domain.LocationRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	place := []string{rec.City}
	if rec.State != "" {
		place = append(place, rec.State)
	}
	place = append(place, rec.Country)

	fmt.Fprintln(w, strings.Join(place, ", "))
	fmt.Fprintf(w, "  coordinates  %.4f, %.4f\n", rec.Lat, rec.Lon)
	if rec.Timezone != "" {
		fmt.Fprintf(w, "  timezone     %s\n", rec.Timezone)
	}
	source := string(rec.Source)
	if rec.Provider != "" {
		source += " (" + rec.Provider + ")"
	}
	fmt.Fprintf(w, "  source       %s\n", source)
	fmt.Fprintf(w, "  quality      %.0f\n", rec.Quality)
	fmt.Fprintf(w, "  confidence   %.2f\n", rec.Confidence)
	if rec.Accuracy != "" {
		fmt.Fprintf(w, "  accuracy     %s\n", rec.Accuracy)
	}
	return nil
}
