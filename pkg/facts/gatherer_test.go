package facts

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/telemetry"
	"github.com/opsmith/opsmith/pkg/transports"
)

// Mock runner for testing
type mockRunner struct {
	mu sync.Mutex

	// responses maps a command substring to canned stdout lines.
	responses map[string][]string

	// failCommands maps a command substring to an exit code.
	failCommands map[string]int

	// transportErr, when set, fails every call.
	transportErr error

	calls []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		responses:    make(map[string][]string),
		failCommands: make(map[string]int),
	}
}

func (m *mockRunner) Run(ctx context.Context, host *inventory.Host, command string) (*transports.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, command)
	m.mu.Unlock()

	if m.transportErr != nil {
		return nil, m.transportErr
	}
	for substr, code := range m.failCommands {
		if strings.Contains(command, substr) {
			return &transports.Result{ExitCode: code}, nil
		}
	}
	for substr, lines := range m.responses {
		if strings.Contains(command, substr) {
			return &transports.Result{ExitCode: 0, Stdout: lines}, nil
		}
	}
	return &transports.Result{ExitCode: 0}, nil
}

func (m *mockRunner) Put(ctx context.Context, host *inventory.Host, localPath, remotePath string, mode uint32) error {
	return nil
}

func (m *mockRunner) callsMatching(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func testHost(name string) *inventory.Host {
	return inventory.NewHost(name, nil, nil)
}

func TestFactCachedAfterFirstProbe(t *testing.T) {
	runner := newMockRunner()
	runner.responses["hostname"] = []string{"web1.example.com"}
	g := NewGatherer(runner)
	host := testHost("web1")

	for i := 0; i < 2; i++ {
		v, err := g.Fact(context.Background(), host, Hostname{})
		if err != nil {
			t.Fatalf("Fact failed on call %d: %v", i, err)
		}
		if v != "web1.example.com" {
			t.Errorf("call %d: got %v, want web1.example.com", i, v)
		}
	}

	if n := runner.callsMatching("hostname"); n != 1 {
		t.Errorf("probe executed %d times, want 1", n)
	}
}

func TestConcurrentProbesCollapse(t *testing.T) {
	runner := newMockRunner()
	runner.responses["uname -s"] = []string{"Linux"}
	g := NewGatherer(runner)
	host := testHost("web1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.Fact(context.Background(), host, Os{})
			if err != nil {
				t.Errorf("Fact failed: %v", err)
				return
			}
			if v != "Linux" {
				t.Errorf("got %v, want Linux", v)
			}
		}()
	}
	wg.Wait()

	// Single-flight may admit a second probe on unlucky scheduling, but
	// sixteen callers must not produce sixteen probes.
	if n := runner.callsMatching("uname -s"); n > 2 {
		t.Errorf("probe executed %d times under concurrency", n)
	}
}

func TestCacheIsPerHost(t *testing.T) {
	runner := newMockRunner()
	runner.responses["hostname"] = []string{"shared"}
	g := NewGatherer(runner)

	if _, err := g.Fact(context.Background(), testHost("a"), Hostname{}); err != nil {
		t.Fatalf("Fact failed: %v", err)
	}
	if _, err := g.Fact(context.Background(), testHost("b"), Hostname{}); err != nil {
		t.Fatalf("Fact failed: %v", err)
	}
	if n := runner.callsMatching("hostname"); n != 2 {
		t.Errorf("expected one probe per host, got %d", n)
	}
}

func TestToolAbsentResolvesToDefault(t *testing.T) {
	runner := newMockRunner()
	runner.failCommands["command -v dpkg"] = 1
	g := NewGatherer(runner)

	v, err := g.Fact(context.Background(), testHost("web1"), DebPackages{})
	if err != nil {
		t.Fatalf("tool absence must not be an error, got: %v", err)
	}
	pkgs, ok := v.(map[string][]string)
	if !ok || len(pkgs) != 0 {
		t.Errorf("got %v, want empty package map", v)
	}
	// The real probe never runs.
	if n := runner.callsMatching("dpkg -l"); n != 0 {
		t.Errorf("probe ran despite absent tool")
	}
}

func TestTransportFailureIsGatherError(t *testing.T) {
	runner := newMockRunner()
	runner.transportErr = operr.NewTransportError("connection refused", nil)
	g := NewGatherer(runner)

	_, err := g.Fact(context.Background(), testHost("web1"), Hostname{})
	if err == nil {
		t.Fatal("expected gather error")
	}
	if !operr.IsGather(err) {
		t.Errorf("error = %v, want gather class", err)
	}
}

func TestProbeExitFailureIsGatherError(t *testing.T) {
	runner := newMockRunner()
	runner.failCommands["hostname"] = 127
	g := NewGatherer(runner)

	_, err := g.Fact(context.Background(), testHost("web1"), Hostname{})
	if err == nil || !operr.IsGather(err) {
		t.Errorf("error = %v, want gather class", err)
	}
}

func TestFactByNameUnknown(t *testing.T) {
	g := NewGatherer(newMockRunner())
	_, err := g.FactByName(context.Background(), testHost("web1"), "no_such_fact")
	if err == nil || !operr.IsDefinition(err) {
		t.Errorf("error = %v, want definition class", err)
	}
}

func TestProbesAreCountedOnce(t *testing.T) {
	runner := newMockRunner()
	runner.responses["hostname"] = []string{"web1"}
	g := NewGatherer(runner)
	m := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "opsmith"})
	g.SetMetrics(m)
	host := testHost("web1")

	for i := 0; i < 3; i++ {
		if _, err := g.Fact(context.Background(), host, Hostname{}); err != nil {
			t.Fatalf("Fact failed: %v", err)
		}
	}

	// Cache hits never probe, so the counter stays at one.
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "opsmith_fact_probes_total 1") {
		t.Errorf("scrape output missing fact probe count:\n%s", rec.Body.String())
	}
}

func TestMissingRequiredArgsIsDefinitionError(t *testing.T) {
	runner := newMockRunner()
	g := NewGatherer(runner)
	host := testHost("web1")

	for _, name := range []string{"which", "deb_package", "command"} {
		_, err := g.FactByName(context.Background(), host, name)
		if err == nil || !operr.IsDefinition(err) {
			t.Errorf("%s without args: error = %v, want definition class", name, err)
		}
	}
	// No command is ever built, so nothing reaches the transport.
	if len(runner.calls) != 0 {
		t.Errorf("transport called %d times: %v", len(runner.calls), runner.calls)
	}
}

func TestFactKeyIncludesArgs(t *testing.T) {
	runner := newMockRunner()
	runner.responses["command -v"] = []string{"/usr/bin/dpkg"}
	runner.responses["dpkg"] = []string{"Package: nginx", "Version: 1.18.0-6"}
	g := NewGatherer(runner)
	host := testHost("web1")

	if _, err := g.Fact(context.Background(), host, DebPackage{}, "nginx"); err != nil {
		t.Fatalf("Fact failed: %v", err)
	}
	if _, err := g.Fact(context.Background(), host, DebPackage{}, "curl"); err != nil {
		t.Fatalf("Fact failed: %v", err)
	}

	facts := g.HostFacts("web1")
	if _, ok := facts["deb_package(nginx)"]; !ok {
		t.Errorf("cache keys = %v, want deb_package(nginx)", facts)
	}
	if _, ok := facts["deb_package(curl)"]; !ok {
		t.Errorf("cache keys = %v, want deb_package(curl)", facts)
	}
}
