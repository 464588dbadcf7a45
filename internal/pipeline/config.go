package pipeline

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/hurttlocker/bubblescope/internal/activity"
	"github.com/hurttlocker/bubblescope/internal/bubble"
	"github.com/hurttlocker/bubblescope/internal/isolation"
)

// DefaultPercentile keeps the top 1% most active users of each channel.
const DefaultPercentile = 99.0

// Config is the explicit parameter set of one run.
type Config struct {
	// Channels restricts the run; empty means every channel in the input.
	Channels []string `json:"channels,omitempty"`

	Percentile      float64          `json:"percentile"`
	MinPopulation   int              `json:"min_population"`
	ActivityMeasure activity.Measure `json:"activity_measure"`

	Bubble bubble.Params `json:"bubble"`

	// SampleCap bounds every pairwise computation; 0 means exhaustive.
	SampleCap int    `json:"sample_cap"`
	Seed      uint64 `json:"seed"`
	Workers   int    `json:"workers"`

	// Margin is the isolation margin; nil selects isolation.DefaultMargin.
	Margin        *float64  `json:"margin,omitempty"`
	TopK          int       `json:"top_k"`
	MinBubbleSize int       `json:"min_bubble_size"`
	Percentiles   []float64 `json:"percentiles"`

	TableMode       isolation.TableMode `json:"table_mode"`
	TablePercentile float64             `json:"table_percentile,omitempty"`
}

// DefaultConfig returns the parameters used for the YouTube comment corpus.
func DefaultConfig() Config {
	return Config{
		Percentile:      DefaultPercentile,
		MinPopulation:   activity.DefaultMinPopulation,
		ActivityMeasure: activity.MeasureRows,
		Bubble:          bubble.DefaultParams(),
		Workers:         runtime.GOMAXPROCS(0),
		Margin:          isolation.Margin(isolation.DefaultMargin),
		TopK:            isolation.DefaultTopK,
		MinBubbleSize:   isolation.DefaultMinSize,
		Percentiles:     append([]float64(nil), isolation.DefaultPercentiles...),
		TableMode:       isolation.TableMean,
	}
}

// WithDefaults fills every unset field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Percentile == 0 {
		c.Percentile = d.Percentile
	}
	if c.MinPopulation <= 0 {
		c.MinPopulation = d.MinPopulation
	}
	if c.ActivityMeasure == "" {
		c.ActivityMeasure = d.ActivityMeasure
	}
	if c.Bubble.Eps <= 0 {
		c.Bubble.Eps = d.Bubble.Eps
	}
	if c.Bubble.MinSamples <= 0 {
		c.Bubble.MinSamples = d.Bubble.MinSamples
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Margin == nil {
		c.Margin = d.Margin
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.MinBubbleSize <= 0 {
		c.MinBubbleSize = d.MinBubbleSize
	}
	if len(c.Percentiles) == 0 {
		c.Percentiles = d.Percentiles
	}
	if c.TableMode == "" {
		c.TableMode = d.TableMode
	}
	return c
}

// Validate rejects values no run can use. Parameters that merely produce
// empty results (an eps so small nothing is adjacent) are accepted.
func (c Config) Validate() error {
	var errs []error
	if c.Percentile < 0 || c.Percentile > 100 || math.IsNaN(c.Percentile) {
		errs = append(errs, fmt.Errorf("percentile %v outside [0,100]", c.Percentile))
	}
	if _, err := activity.ParseMeasure(string(c.ActivityMeasure)); err != nil {
		errs = append(errs, err)
	}
	if c.SampleCap < 0 {
		errs = append(errs, fmt.Errorf("sample_cap %d is negative", c.SampleCap))
	}
	if m := c.Margin; m != nil && (*m < 0 || math.IsNaN(*m)) {
		errs = append(errs, fmt.Errorf("margin %v is negative", *m))
	}
	for _, p := range c.Percentiles {
		if p < 0 || p > 100 {
			errs = append(errs, fmt.Errorf("reported percentile %v outside [0,100]", p))
		}
	}
	switch c.TableMode {
	case "", isolation.TableMean:
	case isolation.TablePercentile:
		if c.TablePercentile < 0 || c.TablePercentile > 100 {
			errs = append(errs, fmt.Errorf("table_percentile %v outside [0,100]", c.TablePercentile))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown table_mode %q", c.TableMode))
	}
	return errors.Join(errs...)
}
