package ml

import (
	"errors"
	"math"
	"sort"

	"github.com/packagewjx/kmeanspp"

	"pgprofiler/internal/stats"
)

const (
	detectorRounds  = 30
	maxClusters     = 5
	contamination   = 0.1 // share of training points treated as outliers
	anomalyCritical = -0.5
)

// Detector flags metric samples far from every behavior cluster seen during
// training. Cutoff is the distance beyond which a point counts as anomalous;
// Score returns cutoff minus distance, so anomalies score negative, matching
// the convention downstream severity grading expects.
type Detector struct {
	Centers [][]float64 `json:"centers"`
	Cutoff  float64     `json:"cutoff"`
}

// FitDetector clusters the standardized rows and places the cutoff at the
// distance percentile that leaves the contamination share outside.
func FitDetector(rows [][]float64) (*Detector, error) {
	if len(rows) < MinTrainSize {
		return nil, errors.New("too few rows for detector")
	}
	k := maxClusters
	if limit := len(rows) / 20; limit < k {
		k = limit
	}
	if k < 2 {
		k = 2
	}

	data := make([][]float32, len(rows))
	for i, row := range rows {
		data[i] = make([]float32, len(row))
		for j, v := range row {
			data[i][j] = float32(v)
		}
	}
	centers32, _ := kmeanspp.KMeansPP(k, detectorRounds, data)

	centers := make([][]float64, len(centers32))
	for i, c := range centers32 {
		centers[i] = make([]float64, len(c))
		for j, v := range c {
			centers[i][j] = float64(v)
		}
	}
	d := &Detector{Centers: centers}

	distances := make([]float64, len(rows))
	for i, row := range rows {
		distances[i] = d.distance(row)
	}
	sort.Float64s(distances)
	d.Cutoff = stats.Percentile(distances, (1-contamination)*100)
	return d, nil
}

// Score grades a standardized row; negative means anomalous.
func (d *Detector) Score(row []float64) float64 {
	return d.Cutoff - d.distance(row)
}

func (d *Detector) IsAnomaly(row []float64) bool {
	return d.Score(row) < 0
}

// distance is the euclidean distance to the nearest cluster center.
func (d *Detector) distance(row []float64) float64 {
	best := math.MaxFloat64
	for _, center := range d.Centers {
		var sum float64
		for j, v := range row {
			diff := v - center[j]
			sum += diff * diff
		}
		if sum < best {
			best = sum
		}
	}
	return math.Sqrt(best)
}
