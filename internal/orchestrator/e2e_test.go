package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opentalon/tenancy-assistant/internal/provider"
	"github.com/opentalon/tenancy-assistant/internal/snapshot"
	"github.com/opentalon/tenancy-assistant/internal/tenancy"
	"github.com/opentalon/tenancy-assistant/internal/toolserver"
)

const prodCompartment = "ocid1.compartment.oc1..prod"

type countingFetcher struct {
	ipCalls    atomic.Int32
	usageCalls atomic.Int32
	delay      time.Duration
}

func (f *countingFetcher) ListPublicIPs(_ context.Context, compartmentID string) ([]tenancy.PublicIP, error) {
	f.ipCalls.Add(1)
	time.Sleep(f.delay)
	return []tenancy.PublicIP{
		{ID: "ip1", IPAddress: "129.146.10.1", CompartmentID: compartmentID, Lifetime: tenancy.LifetimeReserved},
		{ID: "ip2", IPAddress: "129.146.10.2", CompartmentID: compartmentID, Lifetime: tenancy.LifetimeEphemeral},
		{ID: "ip3", IPAddress: "129.146.10.3", CompartmentID: compartmentID, Lifetime: tenancy.LifetimeEphemeral},
	}, nil
}

func (f *countingFetcher) ListUsage(_ context.Context, compartmentID string, w tenancy.Window) (*tenancy.UsageReport, error) {
	f.usageCalls.Add(1)
	time.Sleep(f.delay)
	return &tenancy.UsageReport{
		Currency: "USD",
		Window:   w,
		Records: []tenancy.UsageRecord{
			{CompartmentID: compartmentID, CompartmentName: "prod", Service: "COMPUTE", Cost: 40.111},
			{CompartmentID: compartmentID, CompartmentName: "prod", Service: "STORAGE", Cost: 2.25},
		},
	}, nil
}

// toolOutput extracts the JSON body of a tool turn.
func toolOutput(content string) map[string]any {
	body := strings.TrimPrefix(content, "[tool_output]\n")
	body = strings.TrimSuffix(body, "\n[/tool_output]")
	var out map[string]any
	_ = json.Unmarshal([]byte(body), &out)
	return out
}

// summarizingBackend calls method once, then answers from the tool output.
func summarizingBackend(method, args string) *scriptedBackend {
	return &scriptedBackend{script: func(_ int, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role != provider.RoleTool {
			return wantCalls(toolCall("", method, args)), nil
		}
		out := toolOutput(last.Content)
		if errObj, ok := out["error"]; ok {
			return nil, fmt.Errorf("tool failed: %v", errObj)
		}
		if n, ok := out["totalCount"]; ok {
			return answer(fmt.Sprintf("There are %v public IPs.", n)), nil
		}
		return answer(fmt.Sprintf("Total cost is %v %v.", out["totalCost"], out["currency"])), nil
	}}
}

func TestEndToEndPublicIPQuestion(t *testing.T) {
	f := &countingFetcher{}
	server := toolserver.New(snapshot.New(), f)
	b := summarizingBackend("getPublicIpSummary", `{"compartmentId":"`+prodCompartment+`"}`)
	o := New(b, server, Config{})

	res, err := o.Run(context.Background(), "How many public IPs are in prod?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "There are 3 public IPs." {
		t.Errorf("answer = %q", res.Answer)
	}
	if res.ToolResults[0].Error != nil {
		t.Errorf("tool error: %v", res.ToolResults[0].Error)
	}

	// A second question within the TTL is served from the cache.
	if _, err := o.Run(context.Background(), "And how many now?"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := f.ipCalls.Load(); got != 1 {
		t.Errorf("upstream IP fetches = %d, want 1", got)
	}
}

func TestEndToEndConcurrentCostQuestionsShareOneFetch(t *testing.T) {
	f := &countingFetcher{delay: 50 * time.Millisecond}
	server := toolserver.New(snapshot.New(), f)
	args := `{"compartmentId":"` + prodCompartment + `","period":"2026-03"}`
	o := New(summarizingBackend("getCostSummary", args), server, Config{})

	const questions = 2
	answers := make([]string, questions)
	errs := make([]error, questions)
	var wg sync.WaitGroup
	for i := 0; i < questions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Run(context.Background(), "What did prod cost in March?")
			errs[i] = err
			if res != nil {
				answers[i] = res.Answer
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < questions; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if answers[i] != "Total cost is 42.36 USD." {
			t.Errorf("run %d answer = %q", i, answers[i])
		}
	}
	if got := f.usageCalls.Load(); got != 1 {
		t.Errorf("upstream cost fetches = %d, want 1", got)
	}
}

func TestEndToEndInvalidParamsReachModel(t *testing.T) {
	f := &countingFetcher{}
	server := toolserver.New(snapshot.New(), f)
	b := &scriptedBackend{script: func(n int, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		if n == 1 {
			return wantCalls(toolCall("c1", "getPublicIpSummary", `{"compartment":"prod"}`)), nil
		}
		out := toolOutput(req.Messages[len(req.Messages)-1].Content)
		errObj, _ := out["error"].(map[string]any)
		return answer(fmt.Sprintf("error code %v", errObj["code"])), nil
	}}
	o := New(b, server, Config{})

	res, err := o.Run(context.Background(), "IPs?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "error code -32602" {
		t.Errorf("answer = %q", res.Answer)
	}
	if f.ipCalls.Load() != 0 {
		t.Error("fetcher called for invalid params")
	}
}
