package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opentalon/tenancy-assistant/internal/snapshot"
	"github.com/opentalon/tenancy-assistant/internal/tenancy"
	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

const compartment = "ocid1.compartment.oc1..prod"

type fakeFetcher struct {
	ipCalls    atomic.Int32
	usageCalls atomic.Int32
	delay      time.Duration
	err        error
	lastWindow tenancy.Window
	mu         sync.Mutex
}

func (f *fakeFetcher) ListPublicIPs(ctx context.Context, compartmentID string) ([]tenancy.PublicIP, error) {
	f.ipCalls.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	return []tenancy.PublicIP{
		{ID: "ip1", IPAddress: "129.146.10.1", CompartmentID: compartmentID, Lifetime: tenancy.LifetimeReserved},
		{ID: "ip2", IPAddress: "129.146.10.2", CompartmentID: compartmentID, Lifetime: tenancy.LifetimeEphemeral},
		{ID: "ip3", IPAddress: "129.146.10.3", CompartmentID: compartmentID, Lifetime: tenancy.LifetimeEphemeral},
	}, nil
}

func (f *fakeFetcher) ListUsage(ctx context.Context, compartmentID string, w tenancy.Window) (*tenancy.UsageReport, error) {
	f.usageCalls.Add(1)
	f.mu.Lock()
	f.lastWindow = w
	f.mu.Unlock()
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	return &tenancy.UsageReport{
		Currency: "USD",
		Window:   w,
		Records: []tenancy.UsageRecord{
			{Date: w.Start, CompartmentID: compartment, CompartmentName: "prod", Service: "COMPUTE", ResourceID: "vm1", Cost: 40.111},
			{Date: w.Start.AddDate(0, 0, 1), CompartmentID: compartment, CompartmentName: "prod", Service: "STORAGE", ResourceID: "vol1", Cost: 2.25},
		},
	}, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func newTestServer(f *fakeFetcher) *Server {
	return New(snapshot.New(), f, WithClock(fixedNow))
}

func call(t *testing.T, s interface {
	Handle(context.Context, toolrpc.Request) toolrpc.Response
}, id, method, params string) toolrpc.Response {
	t.Helper()
	req := toolrpc.Request{JSONRPC: "2.0", ID: toolrpc.ID(id), Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return s.Handle(context.Background(), req)
}

func TestDefinitions(t *testing.T) {
	defs := Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(defs))
	}
	if defs[0].Name != "getPublicIpSummary" || defs[1].Name != "getCostSummary" {
		t.Errorf("names = %s, %s", defs[0].Name, defs[1].Name)
	}
	for _, d := range defs {
		if d.Description == "" {
			t.Errorf("%s: empty description", d.Name)
		}
		var schema struct {
			Type                 string         `json:"type"`
			Required             []string       `json:"required"`
			Properties           map[string]any `json:"properties"`
			AdditionalProperties *bool          `json:"additionalProperties"`
		}
		if err := json.Unmarshal(d.ParameterSchema, &schema); err != nil {
			t.Fatalf("%s: %v", d.Name, err)
		}
		if schema.Type != "object" {
			t.Errorf("%s: type = %q", d.Name, schema.Type)
		}
		if len(schema.Required) != 1 || schema.Required[0] != "compartmentId" {
			t.Errorf("%s: required = %v", d.Name, schema.Required)
		}
		if schema.AdditionalProperties == nil || *schema.AdditionalProperties {
			t.Errorf("%s: additional properties should be disallowed", d.Name)
		}
	}
}

func TestHandleMethodNotFound(t *testing.T) {
	f := &fakeFetcher{}
	resp := call(t, newTestServer(f), "7", "deleteTenancy", `{"compartmentId":"x"}`)
	if resp.Error == nil || resp.Error.Code != toolrpc.CodeMethodNotFound {
		t.Fatalf("error = %+v, want MethodNotFound", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
	if resp.Result != nil {
		t.Error("error response must not carry a result")
	}
}

// rpcCount reads the tool server request counter for one label pair.
func rpcCount(t *testing.T, method, code string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "tenancy_assistant_rpc_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["code"] == code {
				return m.GetCounter().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestUnknownMethodsShareOneMetricLabel(t *testing.T) {
	s := newTestServer(&fakeFetcher{})
	code := strconv.Itoa(toolrpc.CodeMethodNotFound)
	before, _ := rpcCount(t, "unknown", code)

	_ = call(t, s, "1", "randomMethodA91", `{}`)
	_ = call(t, s, "2", "randomMethodB17", `{}`)

	after, _ := rpcCount(t, "unknown", code)
	if after-before != 2 {
		t.Errorf("unknown method count grew by %v, want 2", after-before)
	}
	for _, m := range []string{"randomMethodA91", "randomMethodB17"} {
		if _, ok := rpcCount(t, m, code); ok {
			t.Errorf("method %q became a metric label", m)
		}
	}

	_ = call(t, s, "3", "getPublicIpSummary", `{"compartmentId":"`+compartment+`"}`)
	if n, ok := rpcCount(t, "getPublicIpSummary", "0"); !ok || n < 1 {
		t.Errorf("known method count = %v, %v", n, ok)
	}
}

func TestHandleInvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params string
	}{
		{"missing compartment", "getPublicIpSummary", `{}`},
		{"absent params", "getPublicIpSummary", ``},
		{"non-string compartment", "getPublicIpSummary", `{"compartmentId": 42}`},
		{"empty compartment", "getCostSummary", `{"compartmentId": ""}`},
		{"unknown property", "getPublicIpSummary", `{"compartmentId": "x", "region": "us-ashburn-1"}`},
		{"bad scope", "getPublicIpSummary", `{"compartmentId": "x", "scope": "REGIONAL"}`},
		{"bad groupBy", "getCostSummary", `{"compartmentId": "x", "groupBy": "TAG"}`},
		{"array params", "getCostSummary", `["x"]`},
		{"bad period", "getCostSummary", `{"compartmentId": "x", "period": "last quarter"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeFetcher{}
			resp := call(t, newTestServer(f), `"req-1"`, tc.method, tc.params)
			if resp.Error == nil || resp.Error.Code != toolrpc.CodeInvalidParams {
				t.Fatalf("error = %+v, want InvalidParams", resp.Error)
			}
			if string(resp.ID) != `"req-1"` {
				t.Errorf("id = %s", resp.ID)
			}
			if f.ipCalls.Load()+f.usageCalls.Load() != 0 {
				t.Error("fetcher must not be called for invalid params")
			}
		})
	}
}

func TestHandleInvalidRequest(t *testing.T) {
	s := newTestServer(&fakeFetcher{})
	resp := s.Handle(context.Background(), toolrpc.Request{ID: toolrpc.ID("1")})
	if resp.Error == nil || resp.Error.Code != toolrpc.CodeInvalidRequest {
		t.Errorf("missing method: %+v", resp.Error)
	}
	resp = s.Handle(context.Background(), toolrpc.Request{JSONRPC: "1.0", ID: toolrpc.ID("1"), Method: "getCostSummary"})
	if resp.Error == nil || resp.Error.Code != toolrpc.CodeInvalidRequest {
		t.Errorf("bad version: %+v", resp.Error)
	}
}

func TestHandleInternalError(t *testing.T) {
	f := &fakeFetcher{err: &tenancy.UpstreamError{Op: "ListPublicIPs", CompartmentID: compartment, Err: errors.New("service unavailable")}}
	s := newTestServer(f)
	resp := call(t, s, "3", "getPublicIpSummary", `{"compartmentId":"`+compartment+`"}`)
	if resp.Error == nil || resp.Error.Code != toolrpc.CodeInternalError {
		t.Fatalf("error = %+v, want InternalError", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "service unavailable") {
		t.Errorf("message = %q", resp.Error.Message)
	}
	if s.Cache().Len() != 0 {
		t.Error("failed fetch must not be cached")
	}
}

func TestPublicIPSummary(t *testing.T) {
	f := &fakeFetcher{}
	s := newTestServer(f)

	resp := call(t, s, `"a"`, "getPublicIpSummary", `{"compartmentId":"`+compartment+`"}`)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	var all PublicIPResult
	if err := json.Unmarshal(resp.Result, &all); err != nil {
		t.Fatal(err)
	}
	if all.TotalCount != 3 || all.ByScope.Ephemeral != 2 || all.ByScope.Reserved != 1 {
		t.Errorf("summary = %+v", all.PublicIPSummary)
	}
	if all.CompartmentID != compartment || all.ComputedAt.IsZero() {
		t.Errorf("compartmentId = %q computedAt = %v", all.CompartmentID, all.ComputedAt)
	}

	resp = call(t, s, `"b"`, "getPublicIpSummary", `{"compartmentId":"`+compartment+`","scope":"RESERVED"}`)
	var reserved PublicIPResult
	if err := json.Unmarshal(resp.Result, &reserved); err != nil {
		t.Fatal(err)
	}
	if reserved.TotalCount != 1 || reserved.Items[0].ID != "ip1" {
		t.Errorf("reserved = %+v", reserved.PublicIPSummary)
	}
	if f.ipCalls.Load() != 1 {
		t.Errorf("scopes should share one snapshot, fetches = %d", f.ipCalls.Load())
	}
}

func TestCostSummary(t *testing.T) {
	f := &fakeFetcher{}
	s := newTestServer(f)

	resp := call(t, s, "1", "getCostSummary", `{"compartmentId":"`+compartment+`"}`)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	var byComp CostResult
	if err := json.Unmarshal(resp.Result, &byComp); err != nil {
		t.Fatal(err)
	}
	if byComp.TotalCost != 42.36 || byComp.GroupBy != tenancy.GroupByCompartment {
		t.Errorf("summary = %+v", byComp.CostSummary)
	}
	if byComp.TimeStart != "2026-03-01T00:00:00Z" || byComp.TimeEnd != "2026-03-14T00:00:00Z" {
		t.Errorf("window = %s .. %s", byComp.TimeStart, byComp.TimeEnd)
	}
	if len(byComp.Items) != 1 || byComp.Items[0].Label != "prod" {
		t.Errorf("items = %+v", byComp.Items)
	}

	resp = call(t, s, "2", "getCostSummary", `{"compartmentId":"`+compartment+`","period":"MTD","groupBy":"SERVICE"}`)
	var bySvc CostResult
	if err := json.Unmarshal(resp.Result, &bySvc); err != nil {
		t.Fatal(err)
	}
	if len(bySvc.Items) != 2 || bySvc.Items[0].Key != "COMPUTE" || bySvc.Items[0].Cost != 40.11 {
		t.Errorf("items = %+v", bySvc.Items)
	}
	if f.usageCalls.Load() != 1 {
		t.Errorf("groupings of one window should share one snapshot, fetches = %d", f.usageCalls.Load())
	}

	_ = call(t, s, "3", "getCostSummary", `{"compartmentId":"`+compartment+`","period":"2026-02"}`)
	if f.usageCalls.Load() != 2 {
		t.Errorf("a different window needs its own fetch, fetches = %d", f.usageCalls.Load())
	}
	f.mu.Lock()
	if f.lastWindow.String() != "2026-02-01/2026-03-01" {
		t.Errorf("window = %s", f.lastWindow)
	}
	f.mu.Unlock()
}

func TestCostSummaryGranularity(t *testing.T) {
	f := &fakeFetcher{}
	s := newTestServer(f)

	resp := call(t, s, "1", "getCostSummary", `{"compartmentId":"`+compartment+`","granularity":"DAILY"}`)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	var daily CostResult
	if err := json.Unmarshal(resp.Result, &daily); err != nil {
		t.Fatal(err)
	}
	if daily.Granularity != tenancy.GranularityDaily || daily.TotalCost != 42.36 {
		t.Errorf("summary = %+v", daily.CostSummary)
	}
	if len(daily.Items) != 2 || daily.Items[0].Date != "2026-03-01" || daily.Items[1].Date != "2026-03-02" {
		t.Errorf("items = %+v", daily.Items)
	}

	resp = call(t, s, "2", "getCostSummary", `{"compartmentId":"`+compartment+`"}`)
	var monthly CostResult
	if err := json.Unmarshal(resp.Result, &monthly); err != nil {
		t.Fatal(err)
	}
	if monthly.Granularity != tenancy.GranularityMonthly || len(monthly.Items) != 1 || monthly.Items[0].Date != "" {
		t.Errorf("monthly = %+v", monthly.CostSummary)
	}
	if f.usageCalls.Load() != 1 {
		t.Errorf("granularities of one window should share one snapshot, fetches = %d", f.usageCalls.Load())
	}

	resp = call(t, s, "3", "getCostSummary", `{"compartmentId":"`+compartment+`","granularity":"HOURLY"}`)
	if resp.Error == nil || resp.Error.Code != toolrpc.CodeInvalidParams {
		t.Errorf("unknown granularity: %+v", resp.Error)
	}
}

func TestConcurrentCallsShareOneFetch(t *testing.T) {
	f := &fakeFetcher{delay: 30 * time.Millisecond}
	s := newTestServer(f)

	var wg sync.WaitGroup
	errs := make(chan *toolrpc.Error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := call(t, s, "1", "getCostSummary", `{"compartmentId":"`+compartment+`"}`)
			if resp.Error != nil {
				errs <- resp.Error
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if f.usageCalls.Load() != 1 {
		t.Errorf("fetches = %d, want 1", f.usageCalls.Load())
	}
}

func TestServeLines(t *testing.T) {
	s := newTestServer(&fakeFetcher{})
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"getPublicIpSummary","params":{"compartmentId":"` + compartment + `"}}`,
		``,
		`{not json`,
		`{"jsonrpc":"2.0","id":"x","method":"nope"}`,
	}, "\n"))
	var out bytes.Buffer

	if err := s.ServeLines(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d:\n%s", len(lines), out.String())
	}
	var resps [3]toolrpc.Response
	for i, l := range lines {
		if err := json.Unmarshal([]byte(l), &resps[i]); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
	}
	if resps[0].Error != nil || string(resps[0].ID) != "1" {
		t.Errorf("first = %+v", resps[0])
	}
	if resps[1].Error == nil || resps[1].Error.Code != toolrpc.CodeParseError || !resps[1].ID.IsZero() {
		t.Errorf("second = %+v", resps[1])
	}
	if resps[2].Error == nil || resps[2].Error.Code != toolrpc.CodeMethodNotFound || string(resps[2].ID) != `"x"` {
		t.Errorf("third = %+v", resps[2])
	}
	if !strings.Contains(lines[0], `"jsonrpc":"2.0"`) {
		t.Errorf("response missing version: %s", lines[0])
	}
}

func TestClientOverPipe(t *testing.T) {
	f := &fakeFetcher{}
	s := newTestServer(f)
	serverSide, clientSide := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.ServeConn(ctx, serverSide)
		close(done)
	}()

	client := NewClient(ctx, clientSide)

	resp := call(t, client, `"call-1"`, "getPublicIpSummary", `{"compartmentId":"`+compartment+`","scope":"EPHEMERAL"}`)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	if string(resp.ID) != `"call-1"` {
		t.Errorf("id = %s", resp.ID)
	}
	var got PublicIPResult
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.TotalCount != 2 {
		t.Errorf("TotalCount = %d, want 2", got.TotalCount)
	}

	resp = call(t, client, "9", "listBuckets", `{}`)
	if resp.Error == nil || resp.Error.Code != toolrpc.CodeMethodNotFound {
		t.Errorf("error = %+v, want MethodNotFound", resp.Error)
	}

	resp = call(t, client, "10", "getCostSummary", ``)
	if resp.Error == nil || resp.Error.Code != toolrpc.CodeInvalidParams {
		t.Errorf("error = %+v, want InvalidParams", resp.Error)
	}

	if len(client.Definitions()) != 2 {
		t.Error("client should expose the tool definitions")
	}

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection did not close")
	}
}

func TestServeAndDial(t *testing.T) {
	s := newTestServer(&fakeFetcher{})
	ln, err := Listen("tcp:127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	client, err := Dial(context.Background(), "tcp:"+ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	resp := call(t, client, "1", "getCostSummary", `{"compartmentId":"`+compartment+`","groupBy":"RESOURCE"}`)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	_ = client.Close()

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListenRejectsBadEndpoint(t *testing.T) {
	if _, err := Listen("udp:127.0.0.1:0"); err == nil {
		t.Error("expected error for udp endpoint")
	}
}

func TestInvalidateSnapshotForcesRefetch(t *testing.T) {
	f := &fakeFetcher{}
	s := newTestServer(f)
	ctx := context.Background()

	_ = call(t, s, "1", "getCostSummary", `{"compartmentId":"`+compartment+`","period":"2026-02"}`)
	_ = call(t, s, "2", "getPublicIpSummary", `{"compartmentId":"`+compartment+`"}`)
	if s.SnapshotCount() != 2 {
		t.Fatalf("SnapshotCount = %d, want 2", s.SnapshotCount())
	}

	held, err := s.InvalidateSnapshot(ctx, MethodCostSummary, compartment, "2026-02")
	if err != nil || !held {
		t.Fatalf("InvalidateSnapshot = %v, %v", held, err)
	}
	if s.SnapshotCount() != 1 {
		t.Errorf("SnapshotCount after invalidate = %d, want 1", s.SnapshotCount())
	}
	_ = call(t, s, "3", "getCostSummary", `{"compartmentId":"`+compartment+`","period":"2026-02"}`)
	if f.usageCalls.Load() != 2 {
		t.Errorf("cost fetches = %d, want 2 after invalidation", f.usageCalls.Load())
	}
	_ = call(t, s, "4", "getPublicIpSummary", `{"compartmentId":"`+compartment+`"}`)
	if f.ipCalls.Load() != 1 {
		t.Errorf("public IP snapshot should be untouched, fetches = %d", f.ipCalls.Load())
	}

	if held, err := s.InvalidateSnapshot(ctx, MethodPublicIPSummary, "ocid1.compartment.oc1..other", ""); err != nil || held {
		t.Errorf("missing entry: held = %v, err = %v", held, err)
	}

	var te *toolrpc.Error
	if _, err := s.InvalidateSnapshot(ctx, MethodCostSummary, compartment, "last week"); !errors.As(err, &te) || te.Code != toolrpc.CodeInvalidParams {
		t.Errorf("bad period: %v", err)
	}
	if _, err := s.InvalidateSnapshot(ctx, "getCloudGuardProblems", compartment, ""); !errors.As(err, &te) || te.Code != toolrpc.CodeMethodNotFound {
		t.Errorf("unknown method: %v", err)
	}
}
