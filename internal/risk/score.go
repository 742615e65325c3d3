package risk

import (
	"errors"
	"fmt"
)

// Probability and impact bounds of the 5x5 matrix.
const (
	MinRating = 1
	MaxRating = 5
	MaxScore  = MaxRating * MaxRating
)

var (
	// ErrRatingOutOfRange is returned for a probability or impact outside [1,5].
	ErrRatingOutOfRange = errors.New("rating out of range")
	// ErrScoreOutOfRange is returned for a score outside [1,25].
	ErrScoreOutOfRange = errors.New("score out of range")
	// ErrUnknownBanding is returned when a banding table name does not resolve.
	ErrUnknownBanding = errors.New("unknown banding table")
)

// Level is a banded risk level.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Band is one closed score interval.
type Band struct {
	Level Level
	Min   int
	Max   int
}

// Banding is a named partition of [1,25] into levels.
type Banding struct {
	Name  string
	Bands []Band
}

// OperationalBanding is used by the 5x5 operational risk matrix.
var OperationalBanding = Banding{
	Name: "operational",
	Bands: []Band{
		{LevelLow, 1, 3},
		{LevelMedium, 4, 12},
		{LevelHigh, 13, 19},
		{LevelCritical, 20, 25},
	},
}

// InstitutionalBanding is used for institutional reporting.
var InstitutionalBanding = Banding{
	Name: "institutional",
	Bands: []Band{
		{LevelLow, 1, 5},
		{LevelMedium, 6, 14},
		{LevelHigh, 15, 19},
		{LevelCritical, 20, 25},
	},
}

// BandingByName resolves "operational" or "institutional".
func BandingByName(name string) (Banding, error) {
	switch name {
	case OperationalBanding.Name:
		return OperationalBanding, nil
	case InstitutionalBanding.Name:
		return InstitutionalBanding, nil
	}
	return Banding{}, fmt.Errorf("%w: %q", ErrUnknownBanding, name)
}

// Score returns probability x impact after validating both ratings.
func Score(probability, impact int) (int, error) {
	if probability < MinRating || probability > MaxRating {
		return 0, fmt.Errorf("%w: probability %d", ErrRatingOutOfRange, probability)
	}
	if impact < MinRating || impact > MaxRating {
		return 0, fmt.Errorf("%w: impact %d", ErrRatingOutOfRange, impact)
	}
	return probability * impact, nil
}

// Level returns the level of score in table b.
func (b Banding) Level(score int) (Level, error) {
	if score < 1 || score > MaxScore {
		return "", fmt.Errorf("%w: %d", ErrScoreOutOfRange, score)
	}
	for _, band := range b.Bands {
		if score >= band.Min && score <= band.Max {
			return band.Level, nil
		}
	}
	return "", fmt.Errorf("%w: %d not covered by %s banding", ErrScoreOutOfRange, score, b.Name)
}

// Assessment is a scored risk.
type Assessment struct {
	Probability int    `json:"probability"`
	Impact      int    `json:"impact"`
	Score       int    `json:"score"`
	Level       Level  `json:"level"`
	Banding     string `json:"banding"`
}

// Assess scores a rating pair against the named banding table.
func Assess(probability, impact int, b Banding) (Assessment, error) {
	score, err := Score(probability, impact)
	if err != nil {
		return Assessment{}, err
	}
	level, err := b.Level(score)
	if err != nil {
		return Assessment{}, err
	}
	return Assessment{Probability: probability, Impact: impact, Score: score, Level: level, Banding: b.Name}, nil
}
