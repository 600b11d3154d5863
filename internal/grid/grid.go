// Package grid holds the sampled weather grid and the per-hour field sampler.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Parameter selects which hourly series and color scale a render uses.
type Parameter string

const (
	Temperature Parameter = "temp"
	Humidity    Parameter = "humidity"
	Wind        Parameter = "wind"
	AirQuality  Parameter = "aqi"
)

// Parameters lists every parameter in display order.
var Parameters = []Parameter{Temperature, Humidity, Wind, AirQuality}

// ErrUnknownParameter is returned when a parameter name is not recognised.
var ErrUnknownParameter = errors.New("unknown parameter")

// ParseParameter resolves a parameter name. "temperature" and "air_quality"
// are accepted as aliases.
func ParseParameter(s string) (Parameter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "temp", "temperature":
		return Temperature, nil
	case "humidity":
		return Humidity, nil
	case "wind":
		return Wind, nil
	case "aqi", "air_quality":
		return AirQuality, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownParameter, s)
}

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// HourlySeries holds one day of hourly readings for a grid point.
type HourlySeries struct {
	Time        []time.Time `json:"time"`
	Temperature []float64   `json:"temp"`      // °C
	Humidity    []float64   `json:"humidity"`  // %
	WindSpeed   []float64   `json:"windSpeed"` // km/h
	AirQuality  []float64   `json:"aqi"`       // US AQI
}

// Series returns the stored series for a parameter, in stored units.
func (h HourlySeries) Series(p Parameter) []float64 {
	switch p {
	case Temperature:
		return h.Temperature
	case Humidity:
		return h.Humidity
	case Wind:
		return h.WindSpeed
	case AirQuality:
		return h.AirQuality
	}
	panic(fmt.Sprintf("grid: no series for parameter %q", p))
}

// Sample is one grid point with its hourly forecast. Samples are never
// mutated after they are fetched.
type Sample struct {
	Coordinate
	Hourly HourlySeries `json:"hourly"`
}

// Layout describes a steps×steps grid over a bounding box.
type Layout struct {
	LatStart float64 `yaml:"lat_start" json:"lat_start"`
	LatEnd   float64 `yaml:"lat_end" json:"lat_end"`
	LonStart float64 `yaml:"lon_start" json:"lon_start"`
	LonEnd   float64 `yaml:"lon_end" json:"lon_end"`
	Steps    int     `yaml:"steps" json:"steps"`
}

// Coordinates returns the grid points row by row, starting at the south-west
// corner. The end bounds are exclusive.
func (l Layout) Coordinates() []Coordinate {
	if l.Steps <= 0 {
		return nil
	}
	latStep := (l.LatEnd - l.LatStart) / float64(l.Steps)
	lonStep := (l.LonEnd - l.LonStart) / float64(l.Steps)

	coords := make([]Coordinate, 0, l.Steps*l.Steps)
	for i := 0; i < l.Steps; i++ {
		for j := 0; j < l.Steps; j++ {
			coords = append(coords, Coordinate{
				Lat: round4(l.LatStart + float64(i)*latStep),
				Lon: round4(l.LonStart + float64(j)*lonStep),
			})
		}
	}
	return coords
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
