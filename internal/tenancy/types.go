// Package tenancy holds the raw tenancy data model, the upstream fetcher
// contract and the aggregations the tools return.
package tenancy

import (
	"fmt"
	"time"
)

// Lifetime of a public IP as reported upstream.
type Lifetime string

const (
	LifetimeEphemeral Lifetime = "EPHEMERAL"
	LifetimeReserved  Lifetime = "RESERVED"
)

// Scope filters a public IP summary by lifetime.
type Scope string

const (
	ScopeAll       Scope = "ALL"
	ScopeEphemeral Scope = "EPHEMERAL"
	ScopeReserved  Scope = "RESERVED"
)

// ParseScope accepts the exact enum values; empty means ScopeAll.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeEphemeral:
		return ScopeEphemeral, nil
	case ScopeReserved:
		return ScopeReserved, nil
	}
	return "", fmt.Errorf("unknown scope %q (want ALL, EPHEMERAL or RESERVED)", s)
}

// GroupBy selects the cost aggregation dimension.
type GroupBy string

const (
	GroupByCompartment GroupBy = "COMPARTMENT"
	GroupByService     GroupBy = "SERVICE"
	GroupByResource    GroupBy = "RESOURCE"
)

// ParseGroupBy accepts the exact enum values; empty means GroupByCompartment.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case "", GroupByCompartment:
		return GroupByCompartment, nil
	case GroupByService:
		return GroupByService, nil
	case GroupByResource:
		return GroupByResource, nil
	}
	return "", fmt.Errorf("unknown groupBy %q (want COMPARTMENT, SERVICE or RESOURCE)", s)
}

// Granularity selects whether costs are reported per day or for the
// whole window.
type Granularity string

const (
	GranularityMonthly Granularity = "MONTHLY"
	GranularityDaily   Granularity = "DAILY"
)

// ParseGranularity accepts the exact enum values; empty means
// GranularityMonthly.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", GranularityMonthly:
		return GranularityMonthly, nil
	case GranularityDaily:
		return GranularityDaily, nil
	}
	return "", fmt.Errorf("unknown granularity %q (want MONTHLY or DAILY)", s)
}

// Compartment is a node of the tenancy hierarchy.
type Compartment struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	ParentID string `json:"parentId,omitempty" yaml:"parent_id"`
}

// PublicIP is one reserved or ephemeral public address.
type PublicIP struct {
	ID               string   `json:"id" yaml:"id"`
	IPAddress        string   `json:"ipAddress" yaml:"ip_address"`
	CompartmentID    string   `json:"compartmentId" yaml:"compartment_id"`
	Lifetime         Lifetime `json:"lifetime" yaml:"lifetime"`
	LifecycleState   string   `json:"lifecycleState" yaml:"lifecycle_state"`
	AssignedEntityID string   `json:"assignedEntityId,omitempty" yaml:"assigned_entity_id"`
}

// ScopeCounts counts IPs per lifetime regardless of the requested scope.
type ScopeCounts struct {
	Ephemeral int `json:"EPHEMERAL"`
	Reserved  int `json:"RESERVED"`
}

// PublicIPSummary is the getPublicIpSummary result.
type PublicIPSummary struct {
	TotalCount int         `json:"totalCount"`
	Scope      Scope       `json:"scope"`
	ByScope    ScopeCounts `json:"byScope"`
	Items      []PublicIP  `json:"items"`
}

// UsageRecord is one day of cost for one resource.
type UsageRecord struct {
	Date            time.Time `json:"date" yaml:"date"`
	CompartmentID   string    `json:"compartmentId" yaml:"compartment_id"`
	CompartmentName string    `json:"compartmentName,omitempty" yaml:"compartment_name"`
	Service         string    `json:"service" yaml:"service"`
	ResourceID      string    `json:"resourceId" yaml:"resource_id"`
	Cost            float64   `json:"cost" yaml:"cost"`
	Currency        string    `json:"currency,omitempty" yaml:"currency"`
}

// UsageReport is the raw usage for one compartment and window. It is the
// cached payload behind getCostSummary.
type UsageReport struct {
	Currency string        `json:"currency"`
	Window   Window        `json:"window"`
	Records  []UsageRecord `json:"records"`
}

// CostItem is one group in a cost summary. Date is set for DAILY
// summaries only.
type CostItem struct {
	Date  string  `json:"date,omitempty"`
	Key   string  `json:"key"`
	Label string  `json:"label"`
	Cost  float64 `json:"cost"`
}

// CostSummary is the getCostSummary result. All amounts are rounded to
// two decimals.
type CostSummary struct {
	TotalCost   float64     `json:"totalCost"`
	Currency    string      `json:"currency"`
	Granularity Granularity `json:"granularity"`
	TimeStart   string      `json:"timeStart"`
	TimeEnd     string      `json:"timeEnd"`
	GroupBy     GroupBy     `json:"groupBy"`
	Items       []CostItem  `json:"items"`
}
