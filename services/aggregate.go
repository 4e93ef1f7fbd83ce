package services

import (
	"github.com/shopspring/decimal"

	"gpu-price-tracker/models"
)

// priceAccumulator sums per-record prices as decimals so averages of cent
// values come out exact.
type priceAccumulator struct {
	sum       decimal.Decimal
	n         int
	min       float64
	max       float64
	instances int
}

func (a *priceAccumulator) add(r *models.PriceRecord) {
	a.addPrice(r.PricePerHour, r.InstanceCount)
}

func (a *priceAccumulator) addPrice(price float64, instances int) {
	if a.n == 0 || price < a.min {
		a.min = price
	}
	if a.n == 0 || price > a.max {
		a.max = price
	}
	a.sum = a.sum.Add(decimal.NewFromFloat(price))
	a.n++
	a.instances += instances
}

// avg is only called on accumulators that saw at least one record.
func (a *priceAccumulator) avg() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum.Div(decimal.NewFromInt(int64(a.n))).Round(6).InexactFloat64()
}
