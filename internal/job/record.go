package job

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Record field names, in reporting order.
const (
	FieldFunctionID   = "f_id"
	FieldCurrentOpt   = "current_opt"
	FieldMeanOpt      = "mean_opt"
	FieldMedianOpt    = "median_opt"
	FieldEntropy      = "entropy"
	FieldTotalSamples = "total_samples"
	FieldSigma        = "sigma"
)

// FieldNames lists every numeric field of an IterationRecord.
var FieldNames = []string{
	FieldFunctionID,
	FieldCurrentOpt,
	FieldMeanOpt,
	FieldMedianOpt,
	FieldEntropy,
	FieldTotalSamples,
	FieldSigma,
}

// IterationRecord holds the metrics of one ask/evaluate/tell cycle. All
// *Opt fields are regrets: objective value minus the known optimum.
type IterationRecord struct {
	Rep          int     `json:"rep"`
	Iteration    int     `json:"iteration"`
	FunctionID   int     `json:"f_id"`
	CurrentOpt   float64 `json:"current_opt"`
	MeanOpt      float64 `json:"mean_opt"`
	MedianOpt    float64 `json:"median_opt"`
	Entropy      float64 `json:"entropy"`
	TotalSamples int     `json:"total_samples"`
	Sigma        float64 `json:"sigma"`
}

// Fields returns the record's metrics keyed by field name.
func (r IterationRecord) Fields() map[string]float64 {
	return map[string]float64{
		FieldFunctionID:   float64(r.FunctionID),
		FieldCurrentOpt:   r.CurrentOpt,
		FieldMeanOpt:      r.MeanOpt,
		FieldMedianOpt:    r.MedianOpt,
		FieldEntropy:      r.Entropy,
		FieldTotalSamples: float64(r.TotalSamples),
		FieldSigma:        r.Sigma,
	}
}

func mean(values []float64) float64 {
	return stat.Mean(values, nil)
}

// median averages the two middle values of an even-length sample.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
