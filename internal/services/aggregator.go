package services

import (
	"math"
	"sort"

	"item-pricing-api/internal/models"
	"item-pricing-api/internal/trade"
)

// Aggregator reduces noisy, multi-currency listing prices to a robust
// min/median/max summary. Supported is the currency allow-list;
// observations in any other currency are not data and are discarded at
// parse time. Primary wins currency-dominance ties.
type Aggregator struct {
	Supported []string
	Primary   string
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		Supported: []string{"chaos", "divine"},
		Primary:   "chaos",
	}
}

// Aggregate reduces the listings to a PriceSummary. totalResults is the
// match count reported by the search stage, carried through unchanged.
// mode selects between the trimmed dominant-currency policy ("median",
// the default) and untrimmed strict ordering ("lowest").
func (a *Aggregator) Aggregate(listings []trade.Listing, totalResults int, mode string) models.PriceSummary {
	observations := a.parse(listings)

	summary := models.PriceSummary{
		Sample:       observations,
		TotalResults: totalResults,
	}
	if len(observations) == 0 {
		return summary
	}

	if mode == models.ModeLowest {
		summary.Min, summary.Median, summary.Max = lowestStats(observations)
	} else {
		summary.Min, summary.Median, summary.Max = a.medianStats(observations)
	}
	return summary
}

// parse extracts (amount, currency) pairs, silently dropping listings
// with no price, a negative amount, or an unsupported currency.
// Incomplete upstream data is expected, not an error.
func (a *Aggregator) parse(listings []trade.Listing) []models.PriceObservation {
	observations := make([]models.PriceObservation, 0, len(listings))
	for _, listing := range listings {
		price := listing.Listing.Price
		if price == nil || price.Currency == "" || price.Amount < 0 {
			continue
		}
		if !a.supported(price.Currency) {
			continue
		}
		observations = append(observations, models.PriceObservation{
			Amount:   price.Amount,
			Currency: price.Currency,
		})
	}
	return observations
}

func (a *Aggregator) supported(currency string) bool {
	for _, c := range a.Supported {
		if c == currency {
			return true
		}
	}
	return false
}

// medianStats computes min/median/max over the dominant-currency bucket
// with 10% outlier trimming on buckets larger than ten observations.
func (a *Aggregator) medianStats(observations []models.PriceObservation) (min, median, max *models.PriceObservation) {
	currency, amounts := a.dominantBucket(observations)
	if len(amounts) == 0 {
		return nil, nil, nil
	}

	sort.Float64s(amounts)
	amounts = trimOutliers(amounts)

	n := len(amounts)
	var mid float64
	if n%2 == 1 {
		mid = amounts[n/2]
	} else {
		mid = math.Round((amounts[n/2-1] + amounts[n/2]) / 2)
	}

	return &models.PriceObservation{Amount: amounts[0], Currency: currency},
		&models.PriceObservation{Amount: mid, Currency: currency},
		&models.PriceObservation{Amount: amounts[n-1], Currency: currency}
}

// dominantBucket partitions the observations by currency and returns
// the largest bucket. Ties prefer the primary currency when it is among
// the tied set, otherwise the currency encountered first.
func (a *Aggregator) dominantBucket(observations []models.PriceObservation) (string, []float64) {
	buckets := make(map[string][]float64)
	var order []string
	for _, obs := range observations {
		if _, ok := buckets[obs.Currency]; !ok {
			order = append(order, obs.Currency)
		}
		buckets[obs.Currency] = append(buckets[obs.Currency], obs.Amount)
	}

	best := ""
	for _, currency := range order {
		switch {
		case best == "":
			best = currency
		case len(buckets[currency]) > len(buckets[best]):
			best = currency
		case len(buckets[currency]) == len(buckets[best]) && currency == a.Primary && best != a.Primary:
			best = currency
		}
	}
	if best == "" {
		return "", nil
	}
	return best, buckets[best]
}

// trimOutliers drops the lowest and highest 10% of a sorted sample when
// it holds more than ten observations; smaller samples are used as-is.
func trimOutliers(sorted []float64) []float64 {
	n := len(sorted)
	if n <= 10 {
		return sorted
	}
	lo := int(math.Floor(float64(n) * 0.1))
	hi := int(math.Ceil(float64(n) * 0.9))
	return sorted[lo:hi]
}

// lowestStats applies strict numeric ordering over the whole sample:
// no dominance partition, no trimming. Each statistic is an actual
// observation, so it keeps the currency of the listing it came from.
func lowestStats(observations []models.PriceObservation) (min, median, max *models.PriceObservation) {
	ordered := make([]models.PriceObservation, len(observations))
	copy(ordered, observations)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Amount < ordered[j].Amount
	})

	n := len(ordered)
	lo, mid, hi := ordered[0], ordered[(n-1)/2], ordered[n-1]
	return &lo, &mid, &hi
}
