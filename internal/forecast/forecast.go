// Package forecast projects future period spend from a history of past
// period totals.
package forecast

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

// MinRegressionPoints is the history length below which the mean is used
// instead of a fitted line.
const MinRegressionPoints = 3

const divPrecision = 16

const (
	ModelLinear Model = "linear"
	ModelMean   Model = "mean"
)

type (
	Model string

	// Projection is the expected spend of one future period with a band of
	// one residual standard deviation around it.
	Projection struct {
		Index    int
		Expected core.Money
		Low      core.Money
		High     core.Money
	}

	Result struct {
		Model       Model
		Slope       decimal.Decimal
		Intercept   decimal.Decimal
		StdDev      decimal.Decimal
		Points      int
		Projections []Projection
	}
)

// Forecast fits history, oldest period first, and projects the next
// horizon periods. Index 1 is the period right after the last one.
func Forecast(history []core.Money, horizon int) (Result, error) {
	if len(history) == 0 {
		return Result{}, core.ErrInsufficientHistory
	}
	if horizon < 1 {
		return Result{}, fmt.Errorf("%w: horizon %d must be at least 1", core.ErrInvalidPeriod, horizon)
	}
	currency := history[0].Currency
	ys := make([]decimal.Decimal, len(history))
	for i, m := range history {
		if m.Currency != currency {
			return Result{}, fmt.Errorf("%w: history mixes %s and %s", core.ErrCurrencyMismatch, currency, m.Currency)
		}
		ys[i] = m.Amount
	}

	res := Result{Model: ModelMean, Points: len(ys)}
	if len(ys) >= MinRegressionPoints {
		res.Model = ModelLinear
		res.Slope, res.Intercept = fitLine(ys)
	} else {
		res.Intercept = mean(ys)
	}
	res.StdDev = residualStdDev(ys, res.Slope, res.Intercept)

	n := len(ys)
	for h := 1; h <= horizon; h++ {
		x := decimal.NewFromInt(int64(n - 1 + h))
		expected := res.Intercept.Add(res.Slope.Mul(x))
		res.Projections = append(res.Projections, Projection{
			Index:    h,
			Expected: core.NewMoney(expected, currency).Round(),
			Low:      core.NewMoney(expected.Sub(res.StdDev), currency).Round(),
			High:     core.NewMoney(expected.Add(res.StdDev), currency).Round(),
		})
	}
	return res, nil
}

func mean(ys []decimal.Decimal) decimal.Decimal {
	return decimal.Sum(ys[0], ys[1:]...).DivRound(decimal.NewFromInt(int64(len(ys))), divPrecision)
}

// fitLine is ordinary least squares over x = 0..len(ys)-1.
func fitLine(ys []decimal.Decimal) (slope, intercept decimal.Decimal) {
	xMean := decimal.NewFromInt(int64(len(ys) - 1)).Div(decimal.NewFromInt(2))
	yMean := mean(ys)

	var sxy, sxx decimal.Decimal
	for i, y := range ys {
		dx := decimal.NewFromInt(int64(i)).Sub(xMean)
		sxy = sxy.Add(dx.Mul(y.Sub(yMean)))
		sxx = sxx.Add(dx.Mul(dx))
	}
	slope = sxy.DivRound(sxx, divPrecision)
	intercept = yMean.Sub(slope.Mul(xMean))
	return slope, intercept
}

// residualStdDev is the population standard deviation of the residuals.
func residualStdDev(ys []decimal.Decimal, slope, intercept decimal.Decimal) decimal.Decimal {
	var ss decimal.Decimal
	for i, y := range ys {
		r := y.Sub(intercept.Add(slope.Mul(decimal.NewFromInt(int64(i)))))
		ss = ss.Add(r.Mul(r))
	}
	variance := ss.DivRound(decimal.NewFromInt(int64(len(ys))), divPrecision)
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}
