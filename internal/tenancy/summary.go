package tenancy

import (
	"math"
	"sort"
	"time"
)

const (
	defaultCurrency = "USD"
	unknownKey      = "UNKNOWN"
)

// SummarizePublicIPs counts every IP by lifetime and returns the items
// matching scope. TotalCount is the number of returned items.
func SummarizePublicIPs(ips []PublicIP, scope Scope) PublicIPSummary {
	if scope == "" {
		scope = ScopeAll
	}
	out := PublicIPSummary{Scope: scope, Items: []PublicIP{}}
	for _, ip := range ips {
		switch ip.Lifetime {
		case LifetimeEphemeral:
			out.ByScope.Ephemeral++
		case LifetimeReserved:
			out.ByScope.Reserved++
		}
		if scope == ScopeAll || string(ip.Lifetime) == string(scope) {
			out.Items = append(out.Items, ip)
		}
	}
	out.TotalCount = len(out.Items)
	return out
}

// SummarizeCosts groups a usage report. MONTHLY items cover the whole
// window and are ordered by cost, highest first, ties broken by key. DAILY
// items are bucketed by the record's UTC day and ordered by day first.
// Records without a date count towards the first day of the window.
func SummarizeCosts(report *UsageReport, groupBy GroupBy, granularity Granularity) CostSummary {
	if groupBy == "" {
		groupBy = GroupByCompartment
	}
	if granularity == "" {
		granularity = GranularityMonthly
	}
	currency := report.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	type bucket struct{ date, key string }
	totals := make(map[bucket]float64)
	labels := make(map[string]string)
	var total float64

	for _, r := range report.Records {
		if r.Currency != "" {
			currency = r.Currency
		}
		total += r.Cost

		var key, label string
		switch groupBy {
		case GroupByService:
			key = r.Service
		case GroupByResource:
			key = r.ResourceID
		default:
			key = r.CompartmentID
			label = r.CompartmentName
		}
		if key == "" {
			key = unknownKey
		}
		b := bucket{key: key}
		if granularity == GranularityDaily {
			day := r.Date
			if day.IsZero() {
				day = report.Window.Start
			}
			b.date = UTCMidnight(day).Format(time.DateOnly)
		}
		totals[b] += r.Cost
		if label != "" {
			labels[key] = label
		}
	}

	items := make([]CostItem, 0, len(totals))
	for b, cost := range totals {
		label := labels[b.key]
		if label == "" {
			label = b.key
		}
		items = append(items, CostItem{Date: b.date, Key: b.key, Label: label, Cost: round2(cost)})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date < items[j].Date
		}
		if items[i].Cost != items[j].Cost {
			return items[i].Cost > items[j].Cost
		}
		return items[i].Key < items[j].Key
	})

	return CostSummary{
		TotalCost:   round2(total),
		Currency:    currency,
		Granularity: granularity,
		TimeStart:   report.Window.Start.Format(time.RFC3339),
		TimeEnd:     report.Window.End.Format(time.RFC3339),
		GroupBy:     groupBy,
		Items:       items,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
