package ml

import (
	"errors"
	"math"
)

// Regressor is a linear model fit by ordinary least squares over the
// standardized feature rows. Weights[0] is the intercept.
type Regressor struct {
	Weights []float64 `json:"weights"`
}

// FitRegressor solves the normal equations for the given rows and labels and
// reports the R2 score over a held-out tail of the data (last 20%).
func FitRegressor(rows [][]float64, labels []float64) (*Regressor, float64, error) {
	if len(rows) == 0 || len(rows) != len(labels) {
		return nil, 0, errors.New("mismatched training data")
	}
	split := len(rows) - len(rows)/5
	if split == len(rows) {
		split = len(rows) - 1
	}
	trainX, trainY := rows[:split], labels[:split]
	testX, testY := rows[split:], labels[split:]

	weights, err := leastSquares(trainX, trainY)
	if err != nil {
		return nil, 0, err
	}
	model := &Regressor{Weights: weights}
	return model, model.r2(testX, testY), nil
}

func (m *Regressor) Predict(row []float64) float64 {
	y := m.Weights[0]
	for j, v := range row {
		y += m.Weights[j+1] * v
	}
	return y
}

func (m *Regressor) r2(rows [][]float64, labels []float64) float64 {
	if len(rows) == 0 {
		return 0
	}
	var mean float64
	for _, y := range labels {
		mean += y
	}
	mean /= float64(len(labels))

	var ssRes, ssTot float64
	for i, row := range rows {
		d := labels[i] - m.Predict(row)
		ssRes += d * d
		t := labels[i] - mean
		ssTot += t * t
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

// leastSquares builds X'X w = X'y with an intercept column and solves it by
// Gaussian elimination with partial pivoting.
func leastSquares(rows [][]float64, labels []float64) ([]float64, error) {
	dim := len(rows[0]) + 1
	xtx := make([][]float64, dim)
	for i := range xtx {
		xtx[i] = make([]float64, dim)
	}
	xty := make([]float64, dim)

	aug := func(row []float64, j int) float64 {
		if j == 0 {
			return 1
		}
		return row[j-1]
	}
	for k, row := range rows {
		for i := 0; i < dim; i++ {
			vi := aug(row, i)
			xty[i] += vi * labels[k]
			for j := i; j < dim; j++ {
				xtx[i][j] += vi * aug(row, j)
			}
		}
	}
	for i := 0; i < dim; i++ {
		for j := 0; j < i; j++ {
			xtx[i][j] = xtx[j][i]
		}
	}
	// small ridge term keeps collinear columns solvable
	for i := 1; i < dim; i++ {
		xtx[i][i] += 1e-8
	}
	return solve(xtx, xty)
}

func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("singular system")
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for j := i + 1; j < n; j++ {
			sum -= a[i][j] * x[j]
		}
		x[i] = sum / a[i][i]
	}
	return x, nil
}
