// Package scoring implements Bid Scoring (C6): a pure, deterministic
// function ranking a set of vendor offers by composite score (§4.6).
package scoring

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fulfillnet/orderengine/internal/store"
)

// Candidate is one offer plus the wholesaler attributes the score formula
// needs, decoupled from store.VendorOffer so this package stays a pure
// function of its inputs.
type Candidate struct {
	Offer             store.VendorOffer
	ReliabilityScore  decimal.Decimal // expected in [0,100]
	AverageRating     decimal.Decimal // expected in [0,5]
}

// Scored pairs a Candidate with its computed score for the ranked result.
type Scored struct {
	Candidate Candidate
	Score     float64
}

// Rank scores every candidate and returns them sorted by descending score,
// applying the §4.6 tie-breakers: stock-confirmed true first, then lower
// price, then earlier created-at.
func Rank(candidates []Candidate) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, Scored{Candidate: c, Score: Score(c)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Candidate.Offer.StockConfirmed != b.Candidate.Offer.StockConfirmed {
			return a.Candidate.Offer.StockConfirmed
		}
		priceCmp := a.Candidate.Offer.PriceQuote.Cmp(b.Candidate.Offer.PriceQuote)
		if priceCmp != 0 {
			return priceCmp < 0
		}
		return a.Candidate.Offer.CreatedAt.Before(b.Candidate.Offer.CreatedAt)
	})

	return scored
}

// Score computes the composite score for a single candidate per §4.6:
//   - +1000 if stock-confirmed
//   - price component: max(0, 500 - priceQuote/200)
//   - ETA component: parsed hours clamped to 72, max(0, 300 - hours*4)
//   - reliability component: reliabilityScore * 1.5
//   - rating component: averageRating * 10
func Score(c Candidate) float64 {
	var score float64

	if c.Offer.StockConfirmed {
		score += 1000
	}

	price, _ := c.Offer.PriceQuote.Float64()
	priceComponent := 500 - price/200
	if priceComponent < 0 {
		priceComponent = 0
	}
	score += priceComponent

	hours := parseETAHours(c.Offer.DeliveryETA)
	if hours > 72 {
		hours = 72
	}
	etaComponent := 300 - hours*4
	if etaComponent < 0 {
		etaComponent = 0
	}
	score += etaComponent

	reliability, _ := c.ReliabilityScore.Float64()
	score += reliability * 1.5

	rating, _ := c.AverageRating.Float64()
	score += rating * 10

	return score
}

// parseETAHours parses strings like "2H", "1.5 hour", "1D", "90min" into
// hours, defaulting to 24 when the string cannot be parsed (§4.6).
func parseETAHours(eta string) float64 {
	s := strings.TrimSpace(strings.ToLower(eta))
	if s == "" {
		return 24
	}

	unit := "h"
	numPart := s
	switch {
	case strings.HasSuffix(s, "hour"):
		unit = "h"
		numPart = strings.TrimSuffix(s, "hour")
	case strings.HasSuffix(s, "h"):
		unit = "h"
		numPart = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "day"):
		unit = "d"
		numPart = strings.TrimSuffix(s, "day")
	case strings.HasSuffix(s, "d"):
		unit = "d"
		numPart = strings.TrimSuffix(s, "d")
	case strings.HasSuffix(s, "min"):
		unit = "m"
		numPart = strings.TrimSuffix(s, "min")
	default:
		return 24
	}

	numPart = strings.TrimSpace(numPart)
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 24
	}

	switch unit {
	case "d":
		return value * 24
	case "m":
		return value / 60
	default:
		return value
	}
}
