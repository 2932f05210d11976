package plan

import (
	"context"
	"math/rand"
	"testing"

	"github.com/opsmith/opsmith/pkg/inventory"
)

func testHosts(t *testing.T, names ...string) []*inventory.Host {
	t.Helper()
	hosts := make([]*inventory.Host, len(names))
	for i, name := range names {
		hosts[i] = inventory.NewHost(name, nil, nil)
	}
	return hosts
}

func record(t *testing.T, st *State, name, site string, hosts ...*inventory.Host) string {
	t.Helper()
	hash, err := st.Record([]string{"deploy.star", name}, map[string]any{"commands": []string{name}}, site, ExecCommands(name), hosts...)
	if err != nil {
		t.Fatalf("Record(%s) failed: %v", name, err)
	}
	return hash
}

func TestRecordGlobalOrder(t *testing.T) {
	hosts := testHosts(t, "a", "b", "c")
	st := NewState()

	x := record(t, st, "X", "deploy.star:1:1", hosts...)
	y := record(t, st, "Y", "deploy.star:2:1", hosts[1])

	order := st.OpOrder()
	if len(order) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(order))
	}
	if order[0] != x || order[1] != y {
		t.Errorf("global order mismatch: got %v, want [%s %s]", order, x, y)
	}
}

func TestDedupSharedScope(t *testing.T) {
	hosts := testHosts(t, "a", "b", "c")
	st := NewState()

	// Same call site recorded once per host, as a per-host loop would.
	var hashes []string
	for _, h := range hosts {
		hashes = append(hashes, record(t, st, "X", "deploy.star:3:5", h))
	}

	for i := 1; i < len(hashes); i++ {
		if hashes[i] != hashes[0] {
			t.Fatalf("expected identical hashes across the loop, got %v", hashes)
		}
	}
	if st.Len() != 1 {
		t.Fatalf("expected 1 operation, got %d", st.Len())
	}

	op, ok := st.Op(hashes[0])
	if !ok {
		t.Fatal("operation not found by hash")
	}
	if op.HostCount() != 3 {
		t.Errorf("expected host set of 3, got %d", op.HostCount())
	}
	for _, h := range hosts {
		if !op.AppliesTo(h.Name()) {
			t.Errorf("operation should apply to %s", h.Name())
		}
	}
}

func TestScopedSubset(t *testing.T) {
	hosts := testHosts(t, "a", "b", "c")
	st := NewState()

	hash := record(t, st, "X", "deploy.star:1:1", hosts[1])

	op, _ := st.Op(hash)
	if op.HostCount() != 1 || !op.AppliesTo("b") {
		t.Errorf("expected host set {b}, got %d hosts", op.HostCount())
	}
	if op.AppliesTo("a") || op.AppliesTo("c") {
		t.Error("operation leaked outside its scope")
	}
}

func TestOrderInvarianceUnderHostPermutation(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}

	evaluate := func(hosts []*inventory.Host) []string {
		st := NewState()
		for _, h := range hosts {
			record(t, st, "X", "deploy.star:1:1", h)
		}
		record(t, st, "Y", "deploy.star:2:1", hosts...)
		for _, h := range hosts {
			if h.Name() == "b" || h.Name() == "d" {
				record(t, st, "Z", "deploy.star:3:1", h)
			}
		}
		st.Finalize()
		return st.OpOrder()
	}

	baseline := evaluate(testHosts(t, names...))

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]string{}, names...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		order := evaluate(testHosts(t, shuffled...))
		if len(order) != len(baseline) {
			t.Fatalf("trial %d: order length %d, want %d", trial, len(order), len(baseline))
		}
		for i := range order {
			if order[i] != baseline[i] {
				t.Fatalf("trial %d: order diverged at %d under permutation %v", trial, i, shuffled)
			}
		}
	}
}

func TestLocalOrderIsSubsequence(t *testing.T) {
	hosts := testHosts(t, "a", "b", "c")
	st := NewState()

	record(t, st, "X", "deploy.star:1:1", hosts...)
	record(t, st, "Y", "deploy.star:2:1", hosts[1])
	record(t, st, "Z", "deploy.star:3:1", hosts[0], hosts[2])
	st.Finalize()

	global := st.OpOrder()
	for _, h := range hosts {
		var want []string
		for _, hash := range global {
			op, _ := st.Op(hash)
			if op.AppliesTo(h.Name()) {
				want = append(want, hash)
			}
		}

		got := st.HostOps(h.Name())
		if len(got) != len(want) {
			t.Fatalf("host %s: local order has %d ops, want %d", h.Name(), len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("host %s: local order diverges from global subsequence at %d", h.Name(), i)
			}
		}
	}
}

func TestScenarioAllHostsThenOne(t *testing.T) {
	hosts := testHosts(t, "a", "b", "c")
	st := NewState()

	x := record(t, st, "X", "deploy.star:1:1", hosts...)
	y := record(t, st, "Y", "deploy.star:2:1", hosts[1])
	st.Finalize()

	order := st.OpOrder()
	if len(order) != 2 || order[0] != x || order[1] != y {
		t.Fatalf("op order = %v, want [X Y]", order)
	}

	cases := map[string][]string{
		"a": {x},
		"b": {x, y},
		"c": {x},
	}
	for host, want := range cases {
		got := st.HostOps(host)
		if len(got) != len(want) {
			t.Fatalf("host %s: got %d ops, want %d", host, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("host %s: op %d mismatch", host, i)
			}
		}
	}
}

func TestRecordAfterFinalize(t *testing.T) {
	hosts := testHosts(t, "a")
	st := NewState()
	record(t, st, "X", "deploy.star:1:1", hosts...)
	st.Finalize()

	if _, err := st.Record([]string{"deploy.star", "Y"}, nil, "deploy.star:2:1", ExecCommands("Y"), hosts...); err == nil {
		t.Fatal("expected error recording into a finalized plan")
	}
}

func TestOpHashDistinguishesCallSites(t *testing.T) {
	names := []string{"deploy.star", "X"}
	args := map[string]any{"commands": []string{"true"}}

	h1, err := OpHash(names, args, "deploy.star:1:1")
	if err != nil {
		t.Fatalf("OpHash failed: %v", err)
	}
	h2, err := OpHash(names, args, "deploy.star:9:1")
	if err != nil {
		t.Fatalf("OpHash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("distinct call sites must not merge")
	}

	h3, err := OpHash(names, args, "deploy.star:1:1")
	if err != nil {
		t.Fatalf("OpHash failed: %v", err)
	}
	if h1 != h3 {
		t.Error("identical inputs must hash identically")
	}
}

func TestGeneratorProducesCommands(t *testing.T) {
	hosts := testHosts(t, "a")
	st := NewState()
	hash := record(t, st, "echo hi", "deploy.star:1:1", hosts...)

	op, _ := st.Op(hash)
	cmds, err := op.Commands(context.Background(), hosts[0])
	if err != nil {
		t.Fatalf("Commands failed: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Line != "echo hi" {
		t.Errorf("unexpected commands: %v", cmds)
	}
}
