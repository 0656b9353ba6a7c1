// Package analytics derives time-bucketed and ranked views from repository
// snapshots. Every function here is a pure reduction.
package analytics

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"enerx-readmodel/internal/model"
)

// DateVolume is the listed amount created on one calendar day.
type DateVolume struct {
	Date   string          `json:"date"`
	Volume decimal.Decimal `json:"volume"`
}

// HourProduction is the listed amount created within one hour of day.
type HourProduction struct {
	Hour       int             `json:"hour"`
	Production decimal.Decimal `json:"production"`
}

// Label renders the hour as "H:00".
func (h HourProduction) Label() string {
	return fmt.Sprintf("%d:00", h.Hour)
}

// MarketSummary is the headline market statistics.
type MarketSummary struct {
	ActiveListings int             `json:"activeListings"`
	Sellers        int             `json:"sellers"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
}

// Report bundles every analytics view over one pair of snapshots.
type Report struct {
	GeneratedAt  time.Time           `json:"generatedAt"`
	Volume       []DateVolume        `json:"volumeByDate"`
	Production   []HourProduction    `json:"productionByHour"`
	TopProducers []model.UserProfile `json:"topProducers"`
	TotalTraded  decimal.Decimal     `json:"totalEnergyTraded"`
	Summary      MarketSummary       `json:"summary"`
}

// Build computes the full report.
func Build(listings []model.Listing, profiles []model.UserProfile, loc *time.Location, topN int, now time.Time) Report {
	total := decimal.Zero
	for _, p := range profiles {
		total = total.Add(p.TotalEnergyTraded)
	}
	return Report{
		GeneratedAt:  now.UTC(),
		Volume:       VolumeByDate(listings, loc),
		Production:   ProductionByHour(listings, loc),
		TopProducers: TopProducers(profiles, topN),
		TotalTraded:  total,
		Summary:      Summarize(listings),
	}
}

// VolumeByDate groups listings by creation day in loc and sums amount.
// Days are returned in ascending order. A nil loc means UTC.
func VolumeByDate(listings []model.Listing, loc *time.Location) []DateVolume {
	if loc == nil {
		loc = time.UTC
	}
	sums := make(map[string]decimal.Decimal)
	for _, l := range listings {
		day := l.CreationTime.In(loc).Format(time.DateOnly)
		sums[day] = sums[day].Add(l.Amount)
	}

	out := make([]DateVolume, 0, len(sums))
	for day, v := range sums {
		out = append(out, DateVolume{Date: day, Volume: v})
	}
	slices.SortFunc(out, func(a, b DateVolume) int {
		return strings.Compare(a.Date, b.Date)
	})
	return out
}

// ProductionByHour groups listings by creation hour (0-23) in loc and sums
// amount. Only hours that have listings appear, in ascending order.
func ProductionByHour(listings []model.Listing, loc *time.Location) []HourProduction {
	if loc == nil {
		loc = time.UTC
	}
	var sums [24]decimal.Decimal
	var seen [24]bool
	for _, l := range listings {
		h := l.CreationTime.In(loc).Hour()
		sums[h] = sums[h].Add(l.Amount)
		seen[h] = true
	}

	out := make([]HourProduction, 0, 24)
	for h := 0; h < 24; h++ {
		if seen[h] {
			out = append(out, HourProduction{Hour: h, Production: sums[h]})
		}
	}
	return out
}

// TopProducers ranks profiles by totalEnergyTraded descending and returns
// the first n. Ties are broken by ascending address.
func TopProducers(profiles []model.UserProfile, n int) []model.UserProfile {
	if n <= 0 {
		return nil
	}
	ranked := slices.Clone(profiles)
	slices.SortFunc(ranked, func(a, b model.UserProfile) int {
		if c := b.TotalEnergyTraded.Cmp(a.TotalEnergyTraded); c != 0 {
			return c
		}
		return model.CompareAddress(a.Address, b.Address)
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Summarize computes headline statistics of the given listings.
func Summarize(listings []model.Listing) MarketSummary {
	s := MarketSummary{TotalAmount: decimal.Zero, AveragePrice: decimal.Zero}
	sellers := make(map[common.Address]struct{})
	priceSum := decimal.Zero
	for _, l := range listings {
		s.ActiveListings++
		s.TotalAmount = s.TotalAmount.Add(l.Amount)
		priceSum = priceSum.Add(l.PricePerUnit)
		sellers[l.Seller] = struct{}{}
	}
	s.Sellers = len(sellers)
	if s.ActiveListings > 0 {
		s.AveragePrice = priceSum.Div(decimal.NewFromInt(int64(s.ActiveListings)))
	}
	return s
}

// ListingFilter narrows the marketplace view. Invalid (unset) bounds are ignored.
type ListingFilter struct {
	MinPrice    decimal.NullDecimal
	MaxPrice    decimal.NullDecimal
	MinPurchase decimal.NullDecimal
}

// Match reports whether l satisfies every set bound.
func (f ListingFilter) Match(l model.Listing) bool {
	if f.MinPrice.Valid && l.PricePerUnit.LessThan(f.MinPrice.Decimal) {
		return false
	}
	if f.MaxPrice.Valid && l.PricePerUnit.GreaterThan(f.MaxPrice.Decimal) {
		return false
	}
	if f.MinPurchase.Valid && l.MinimumPurchase.LessThan(f.MinPurchase.Decimal) {
		return false
	}
	return true
}

// Apply returns the listings that match f, preserving order.
func (f ListingFilter) Apply(listings []model.Listing) []model.Listing {
	out := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if f.Match(l) {
			out = append(out, l)
		}
	}
	return out
}

// ParseListingFilter reads the three bounds from strings; empty means unset.
func ParseListingFilter(minPrice, maxPrice, minPurchase string) (ListingFilter, error) {
	var f ListingFilter
	var err error
	if f.MinPrice, err = parseBound("min price", minPrice); err != nil {
		return ListingFilter{}, err
	}
	if f.MaxPrice, err = parseBound("max price", maxPrice); err != nil {
		return ListingFilter{}, err
	}
	if f.MinPurchase, err = parseBound("min purchase", minPurchase); err != nil {
		return ListingFilter{}, err
	}
	if f.MinPrice.Valid && f.MaxPrice.Valid && f.MaxPrice.Decimal.LessThan(f.MinPrice.Decimal) {
		return ListingFilter{}, fmt.Errorf("max price %s is below min price %s", maxPrice, minPrice)
	}
	return f, nil
}

func parseBound(name, s string) (decimal.NullDecimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse %s: %w", name, err)
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, fmt.Errorf("%s must not be negative", name)
	}
	return decimal.NewNullDecimal(d), nil
}
