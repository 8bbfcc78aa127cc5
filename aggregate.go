package voltstream

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
)

// Function is an aggregation applied to one field of a window's events
type Function string

const (
	FuncSum           Function = "sum"
	FuncAverage       Function = "average"
	FuncMin           Function = "min"
	FuncMax           Function = "max"
	FuncCount         Function = "count"
	FuncDistinctCount Function = "distinct_count"
	FuncRate          Function = "rate"
	FuncPercentile    Function = "percentile"
	FuncMovingAverage Function = "moving_average"
	FuncCumulative    Function = "cumulative"
)

// Calculation is one (field, function, alias) entry of a rule. Param is
// the percentile for FuncPercentile and the window length k for
// FuncMovingAverage.
type Calculation struct {
	Field    string   `yaml:"field"`
	Function Function `yaml:"function"`
	Alias    string   `yaml:"alias"`
	Param    float64  `yaml:"param"`
}

func (c Calculation) alias() string {
	if c.Alias != "" {
		return c.Alias
	}
	if c.Field == "" || c.Field == "*" {
		return string(c.Function)
	}
	return fmt.Sprintf("%s_%s", c.Function, c.Field)
}

func (c Calculation) validate() error {
	switch c.Function {
	case FuncCount, FuncRate:
	case FuncSum, FuncAverage, FuncMin, FuncMax, FuncDistinctCount, FuncCumulative:
		if c.Field == "" {
			return fmt.Errorf("%s requires a field", c.Function)
		}
	case FuncPercentile:
		if c.Field == "" || c.Param < 0 || c.Param > 100 {
			return fmt.Errorf("percentile requires a field and a param in [0, 100]")
		}
	case FuncMovingAverage:
		if c.Field == "" || c.Param < 1 {
			return fmt.Errorf("moving_average requires a field and a param >= 1")
		}
	default:
		return fmt.Errorf("unsupported function %q", c.Function)
	}
	return nil
}

// QualityLevel buckets a data quality score
type QualityLevel string

const (
	QualityHigh   QualityLevel = "high"
	QualityMedium QualityLevel = "medium"
	QualityLow    QualityLevel = "low"
)

// DataQuality scores the completeness and type consistency of a window
type DataQuality struct {
	Score        float64      `json:"score"`
	Completeness float64      `json:"completeness"`
	Consistency  float64      `json:"consistency"`
	Level        QualityLevel `json:"level"`
}

// CalculationResult is the value of one calculation
type CalculationResult struct {
	Field    string   `json:"field"`
	Alias    string   `json:"alias"`
	Function Function `json:"function"`
	Value    float64  `json:"value"`
}

// ResultMetadata describes how a result was produced
type ResultMetadata struct {
	RecordCount       int           `json:"recordCount"`
	ProcessingLatency time.Duration `json:"processingLatency"`
	DataQuality       DataQuality   `json:"dataQuality"`
}

// AggregatedResult is the immutable output of one ready window
type AggregatedResult struct {
	RuleID      string                 `json:"ruleId"`
	RuleName    string                 `json:"ruleName"`
	WindowID    string                 `json:"windowId"`
	WindowType  WindowType             `json:"windowType"`
	WindowStart time.Time              `json:"windowStart"`
	WindowEnd   time.Time              `json:"windowEnd"`
	GroupBy     map[string]interface{} `json:"groupBy"`
	Values      []CalculationResult    `json:"values"`
	Metadata    ResultMetadata         `json:"metadata"`
	ProducedAt  time.Time              `json:"producedAt"`
}

// Value returns the calculation result stored under alias
func (r AggregatedResult) Value(alias string) (float64, bool) {
	for _, v := range r.Values {
		if v.Alias == alias {
			return v.Value, true
		}
	}
	return 0, false
}

// Payload flattens the result into an event payload for re-publishing
func (r AggregatedResult) Payload() map[string]interface{} {
	payload := map[string]interface{}{
		"ruleId":       r.RuleID,
		"windowId":     r.WindowID,
		"windowStart":  r.WindowStart,
		"windowEnd":    r.WindowEnd,
		"recordCount":  r.Metadata.RecordCount,
		"dataQuality":  string(r.Metadata.DataQuality.Level),
		"qualityScore": r.Metadata.DataQuality.Score,
	}
	for k, v := range r.GroupBy {
		payload[k] = v
	}
	for _, v := range r.Values {
		payload[v.Alias] = v.Value
	}
	return payload
}

// JSON encodes the result for external sinks
func (r AggregatedResult) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// aggregate evaluates every calculation of rule over the events of w
func aggregate(r *rule, w *window, now time.Time) (AggregatedResult, error) {
	began := time.Now()

	values := make([]CalculationResult, 0, len(r.spec.Calculations))
	for _, c := range r.spec.Calculations {
		v, err := calculate(c, w.events)
		if err != nil {
			return AggregatedResult{}, fmt.Errorf("calculation %s: %w", c.alias(), err)
		}
		values = append(values, CalculationResult{
			Field:    c.Field,
			Alias:    c.alias(),
			Function: c.Function,
			Value:    v,
		})
	}

	return AggregatedResult{
		RuleID:      r.spec.ID,
		RuleName:    r.spec.Name,
		WindowID:    w.id,
		WindowType:  w.spec.Type,
		WindowStart: w.start,
		WindowEnd:   w.end,
		GroupBy:     copyMap(w.groupValues),
		Values:      values,
		Metadata: ResultMetadata{
			RecordCount:       len(w.events),
			ProcessingLatency: time.Since(began),
			DataQuality:       assessQuality(w.events, r.requiredFields()),
		},
		ProducedAt: now,
	}, nil
}

// calculate applies one function to the events of a window. Empty inputs yield 0.
func calculate(c Calculation, events []Event) (float64, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}

	switch c.Function {
	case FuncCount:
		if c.Field == "" || c.Field == "*" {
			return float64(len(events)), nil
		}
		n := 0
		for _, e := range events {
			if e.Field(c.Field) != nil {
				n++
			}
		}
		return float64(n), nil
	case FuncRate:
		return rate(events), nil
	case FuncDistinctCount:
		seen := make(map[string]struct{})
		for _, e := range events {
			v := e.Field(c.Field)
			if v == nil {
				continue
			}
			seen[fmt.Sprintf("%T:%v", v, v)] = struct{}{}
		}
		return float64(len(seen)), nil
	}

	data := numericValues(events, c.Field)
	if len(data) == 0 {
		return 0, nil
	}

	switch c.Function {
	case FuncSum, FuncCumulative:
		return stats.Sum(data)
	case FuncAverage:
		return stats.Mean(data)
	case FuncMin:
		return stats.Min(data)
	case FuncMax:
		return stats.Max(data)
	case FuncPercentile:
		return percentile(data, c.Param), nil
	case FuncMovingAverage:
		k := int(c.Param)
		if k < len(data) {
			data = data[len(data)-k:]
		}
		return stats.Mean(data)
	default:
		return 0, fmt.Errorf("unsupported function %q", c.Function)
	}
}

func numericValues(events []Event, field string) []float64 {
	out := make([]float64, 0, len(events))
	for _, e := range events {
		if f, ok := toFloat(e.Field(field)); ok && !math.IsNaN(f) {
			out = append(out, f)
		}
	}
	return out
}

// percentile sorts ascending and picks index clamp(ceil(p/100*n)-1, 0, n-1)
func percentile(data []float64, p float64) float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	n := len(sorted)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// rate is events per second across the buffered timespan, 0 for a zero span
func rate(events []Event) float64 {
	if len(events) == 0 {
		return 0
	}
	first, last := events[0].Timestamp(), events[0].Timestamp()
	for _, e := range events[1:] {
		if e.Timestamp().Before(first) {
			first = e.Timestamp()
		}
		if e.Timestamp().After(last) {
			last = e.Timestamp()
		}
	}
	span := last.Sub(first).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(events)) / span
}

// assessQuality averages field completeness and type consistency
func assessQuality(events []Event, required []string) DataQuality {
	completeness := 1.0
	if len(events) > 0 && len(required) > 0 {
		present := 0
		for _, e := range events {
			for _, f := range required {
				if e.Field(f) != nil {
					present++
				}
			}
		}
		completeness = float64(present) / float64(len(events)*len(required))
	}

	consistency := 1.0
	if len(events) > 0 {
		reference := events[0].payload
		if len(reference) > 0 {
			consistent := 0
			for name, ref := range reference {
				refKind := kindOf(ref)
				matches := true
				for _, e := range events[1:] {
					if v, ok := e.payload[name]; ok && kindOf(v) != refKind {
						matches = false
						break
					}
				}
				if matches {
					consistent++
				}
			}
			consistency = float64(consistent) / float64(len(reference))
		}
	}

	score := (completeness + consistency) / 2
	level := QualityLow
	switch {
	case score > 0.8:
		level = QualityHigh
	case score > 0.5:
		level = QualityMedium
	}
	return DataQuality{
		Score:        score,
		Completeness: completeness,
		Consistency:  consistency,
		Level:        level,
	}
}
