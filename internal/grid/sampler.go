package grid

import (
	"errors"
	"fmt"
	"math"
)

// KmhPerMph converts stored wind speeds (km/h) to display units (mph).
const KmhPerMph = 1.609

// ErrHourOutOfRange is returned when an hour does not index a sample's series.
var ErrHourOutOfRange = errors.New("hour out of range")

// ScalarSample is a grid point reduced to one display value.
type ScalarSample struct {
	Coordinate
	Value float64 `json:"value"`
}

// Value returns the display value of a sample for a parameter and hour.
func Value(s Sample, p Parameter, hour int) (float64, error) {
	series := s.Hourly.Series(p)
	if hour < 0 || hour >= len(series) {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrHourOutOfRange, hour, len(series))
	}
	v := series[hour]
	if p == Wind {
		v /= KmhPerMph
	}
	return v, nil
}

// Values reduces every sample to its display value at hour. The result has
// exactly one entry per input sample, in input order.
func Values(samples []Sample, p Parameter, hour int) ([]ScalarSample, error) {
	out := make([]ScalarSample, len(samples))
	for i, s := range samples {
		v, err := Value(s, p, hour)
		if err != nil {
			return nil, fmt.Errorf("sample %d (%.4f,%.4f): %w", i, s.Lat, s.Lon, err)
		}
		out[i] = ScalarSample{Coordinate: s.Coordinate, Value: v}
	}
	return out, nil
}

// Nearest returns the sample closest to (lat, lon) by planar degree distance.
func Nearest(samples []Sample, lat, lon float64) (Sample, bool) {
	best := -1
	bestDist := math.Inf(1)
	for i, s := range samples {
		d := math.Hypot(s.Lat-lat, s.Lon-lon)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return Sample{}, false
	}
	return samples[best], true
}

// Condition is a coarse sky condition used to pick a popup icon.
type Condition string

const (
	ConditionRain  Condition = "rain"
	ConditionSnow  Condition = "snow"
	ConditionSun   Condition = "sun"
	ConditionCloud Condition = "cloud"
)

// ConditionFor derives a condition from temperature (°C) and rain amount.
func ConditionFor(tempC, rain float64) Condition {
	switch {
	case rain > 0:
		return ConditionRain
	case tempC < 10:
		return ConditionSnow
	case tempC > 25:
		return ConditionSun
	default:
		return ConditionCloud
	}
}

// Reading is every parameter of a sample at one hour, in display units.
type Reading struct {
	Hour        int       `json:"hour"`
	Temperature float64   `json:"temp"`
	Humidity    float64   `json:"humidity"`
	WindMph     float64   `json:"wind"`
	AirQuality  float64   `json:"aqi"`
	Condition   Condition `json:"condition"`
}

// ReadingAt collects a sample's readings at hour. Wind is rounded to one
// decimal place.
func ReadingAt(s Sample, hour int) (Reading, error) {
	r := Reading{Hour: hour}
	var err error
	if r.Temperature, err = Value(s, Temperature, hour); err != nil {
		return Reading{}, err
	}
	if r.Humidity, err = Value(s, Humidity, hour); err != nil {
		return Reading{}, err
	}
	if r.WindMph, err = Value(s, Wind, hour); err != nil {
		return Reading{}, err
	}
	if r.AirQuality, err = Value(s, AirQuality, hour); err != nil {
		return Reading{}, err
	}
	r.WindMph = math.Round(r.WindMph*10) / 10
	r.Condition = ConditionFor(r.Temperature, 0)
	return r, nil
}
