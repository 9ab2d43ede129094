package ml

import (
	"errors"

	"pgprofiler/internal/stats"
)

// Scaler standardizes features to zero mean and unit variance. Constant
// columns keep a unit deviation so Transform never divides by zero.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func FitScaler(rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("no rows to fit scaler")
	}
	dim := len(rows[0])
	mean := make([]float64, dim)
	std := make([]float64, dim)
	column := make([]float64, len(rows))
	for j := 0; j < dim; j++ {
		for i, row := range rows {
			column[i] = row[j]
		}
		mean[j] = stats.Mean(column)
		std[j] = stats.StdDev(column, true)
		if std[j] == 0 {
			std[j] = 1
		}
	}
	return &Scaler{Mean: mean, Std: std}, nil
}

func (s *Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

func (s *Scaler) TransformAll(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = s.Transform(row)
	}
	return out
}
