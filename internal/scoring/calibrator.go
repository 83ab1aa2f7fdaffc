package scoring

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrCalibrationSkipped is returned when the labeled data contains only one
// class. A threshold chosen from such data would be meaningless, so the
// model is left uncalibrated and the caller must surface that state.
var ErrCalibrationSkipped = errors.New("calibration skipped: labels contain a single class")

// Metric selects the objective the threshold sweep maximizes.
type Metric string

const (
	MetricF1               Metric = "f1"
	MetricBalancedAccuracy Metric = "balanced-accuracy"
	MetricYoudenJ          Metric = "youden-j"
)

// ParseMetric validates a metric name from configuration.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricF1, MetricBalancedAccuracy, MetricYoudenJ:
		return m, nil
	default:
		return "", fmt.Errorf("unknown calibration metric %q", s)
	}
}

// Calibration records a calibrated threshold together with how it was
// chosen. It is persisted inside the model artifact.
type Calibration struct {
	Threshold   float64   `msgpack:"threshold" json:"threshold"`
	Metric      string    `msgpack:"metric" json:"metric"`
	MetricValue float64   `msgpack:"metric_value" json:"metric_value"`
	Samples     int       `msgpack:"samples" json:"samples"`
	Anomalies   int       `msgpack:"anomalies" json:"anomalies"`
	CalibratedAt time.Time `msgpack:"calibrated_at" json:"calibrated_at"`
}

// Calibrate sweeps candidate thresholds over the scored, labeled samples
// and returns the one maximizing the metric. Labels are 0 for normal and 1
// for anomalous; a sample is called anomalous when its score exceeds the
// threshold. Candidates are the midpoints between adjacent distinct scores
// plus one sentinel on each side; ties resolve to the lowest threshold.
func Calibrate(scores []float64, labels []int, metric Metric) (*Calibration, error) {
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("got %d scores for %d labels", len(scores), len(labels))
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("no labeled samples to calibrate on")
	}

	positives := 0
	for _, l := range labels {
		switch l {
		case 0:
		case 1:
			positives++
		default:
			return nil, fmt.Errorf("labels must be 0 or 1, got %d", l)
		}
	}
	if positives == 0 || positives == len(labels) {
		return nil, ErrCalibrationSkipped
	}

	best := Calibration{
		Metric:      string(metric),
		MetricValue: -1,
		Samples:     len(scores),
		Anomalies:   positives,
	}
	for _, thr := range candidateThresholds(scores) {
		v := evaluate(scores, labels, thr, metric)
		if v > best.MetricValue {
			best.MetricValue = v
			best.Threshold = thr
		}
	}
	best.CalibratedAt = time.Now().UTC()
	return &best, nil
}

// candidateThresholds returns the sweep candidates in ascending order.
func candidateThresholds(scores []float64) []float64 {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	distinct := sorted[:1]
	for _, s := range sorted[1:] {
		if s != distinct[len(distinct)-1] {
			distinct = append(distinct, s)
		}
	}

	out := make([]float64, 0, len(distinct)+1)
	out = append(out, distinct[0]-1) // everything anomalous
	for i := 1; i < len(distinct); i++ {
		out = append(out, (distinct[i-1]+distinct[i])/2)
	}
	out = append(out, distinct[len(distinct)-1]+1) // nothing anomalous
	return out
}

func evaluate(scores []float64, labels []int, threshold float64, metric Metric) float64 {
	var tp, fp, tn, fn float64
	for i, s := range scores {
		anomalous := s > threshold
		switch {
		case anomalous && labels[i] == 1:
			tp++
		case anomalous && labels[i] == 0:
			fp++
		case !anomalous && labels[i] == 1:
			fn++
		default:
			tn++
		}
	}

	switch metric {
	case MetricF1:
		if 2*tp+fp+fn == 0 {
			return 0
		}
		return 2 * tp / (2*tp + fp + fn)
	case MetricBalancedAccuracy:
		return (rate(tp, fn) + rate(tn, fp)) / 2
	case MetricYoudenJ:
		return rate(tp, fn) + rate(tn, fp) - 1
	default:
		return 0
	}
}

// rate is hits/(hits+misses), 0 when the class is empty.
func rate(hits, misses float64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}
