package tenancy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Fixture is the on-disk shape of a tenancy export.
//
//	tenancy: ocid1.tenancy.oc1..aaa
//	currency: USD
//	compartments:
//	  - {id: ocid1.compartment.oc1..prod, name: prod, parent_id: ocid1.tenancy.oc1..aaa}
//	public_ips:
//	  - {id: ..., ip_address: 129.146.10.1, compartment_id: ..., lifetime: RESERVED, lifecycle_state: ASSIGNED}
//	usage:
//	  - {date: 2026-03-02, compartment_id: ..., service: COMPUTE, resource_id: ..., cost: 12.5}
type Fixture struct {
	Tenancy      string        `yaml:"tenancy"`
	Currency     string        `yaml:"currency"`
	Compartments []Compartment `yaml:"compartments"`
	PublicIPs    []PublicIP    `yaml:"public_ips"`
	Usage        []UsageRecord `yaml:"usage"`
}

// ParseFixture decodes fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tenancy fixture: %w", err)
	}
	if f.Tenancy == "" {
		return nil, errors.New("tenancy fixture: tenancy id is required")
	}
	return &f, nil
}

// FixtureSource serves tenancy data from a YAML file. The file is read on
// every fetch so edits show up once cached snapshots expire.
type FixtureSource struct {
	path string

	mu    sync.Mutex
	reads int
}

// NewFixtureSource checks that path parses and returns a source for it.
func NewFixtureSource(path string) (*FixtureSource, error) {
	s := &FixtureSource{path: path}
	if _, err := s.load("Open"); err != nil {
		return nil, err
	}
	return s, nil
}

// Reads returns how many times the fixture was read by fetches.
func (s *FixtureSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *FixtureSource) load(op string) (*Fixture, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &UpstreamError{Op: op, Retryable: !errors.Is(err, os.ErrNotExist), Err: err}
	}
	f, err := ParseFixture(data)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}
	return f, nil
}

func (s *FixtureSource) fetch(ctx context.Context, op, compartmentID string) (*Fixture, map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()

	f, err := s.load(op)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			ue.CompartmentID = compartmentID
		}
		return nil, nil, err
	}
	scope, ok := f.subtree(compartmentID)
	if !ok {
		return nil, nil, &UpstreamError{Op: op, CompartmentID: compartmentID, Err: ErrCompartmentNotFound}
	}
	return f, scope, nil
}

// subtree returns the set of compartment ids under id, including id. The
// tenancy id covers everything.
func (f *Fixture) subtree(id string) (map[string]bool, bool) {
	children := make(map[string][]string)
	known := map[string]bool{f.Tenancy: true}
	for _, c := range f.Compartments {
		known[c.ID] = true
		parent := c.ParentID
		if parent == "" {
			parent = f.Tenancy
		}
		children[parent] = append(children[parent], c.ID)
	}
	if !known[id] {
		return nil, false
	}
	out := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[cur] {
			continue
		}
		out[cur] = true
		stack = append(stack, children[cur]...)
	}
	return out, true
}

func (f *Fixture) compartmentName(id string) string {
	for _, c := range f.Compartments {
		if c.ID == id {
			return c.Name
		}
	}
	if id == f.Tenancy {
		return "root"
	}
	return ""
}

func (s *FixtureSource) ListPublicIPs(ctx context.Context, compartmentID string) ([]PublicIP, error) {
	f, scope, err := s.fetch(ctx, "ListPublicIPs", compartmentID)
	if err != nil {
		return nil, err
	}
	out := make([]PublicIP, 0, len(f.PublicIPs))
	for _, ip := range f.PublicIPs {
		if scope[ip.CompartmentID] {
			out = append(out, ip)
		}
	}
	return out, nil
}

func (s *FixtureSource) ListUsage(ctx context.Context, compartmentID string, window Window) (*UsageReport, error) {
	f, scope, err := s.fetch(ctx, "ListUsage", compartmentID)
	if err != nil {
		return nil, err
	}
	report := &UsageReport{Currency: f.Currency, Window: window, Records: []UsageRecord{}}
	if report.Currency == "" {
		report.Currency = defaultCurrency
	}
	for _, r := range f.Usage {
		if !scope[r.CompartmentID] || !window.Contains(r.Date) {
			continue
		}
		if r.CompartmentName == "" {
			r.CompartmentName = f.compartmentName(r.CompartmentID)
		}
		report.Records = append(report.Records, r)
	}
	return report, nil
}

var _ Fetcher = (*FixtureSource)(nil)
