package gcounter_test

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/maelstrom-go/internal/runtime"
	"github.com/jabolina/maelstrom-go/internal/testutil"
	"github.com/jabolina/maelstrom-go/workload/gcounter"
)

// TestGCounter_SingleNode asserts read returns the sum of accepted add
// deltas: add{delta:5}, add{delta:3}, read -- read_ok.value == 8.
func TestGCounter_SingleNode(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := testutil.NewHarness("n1", []string{"n1"}, gcounter.New)
	defer func() {
		if err := h.Close(); err != nil {
			t.Fatalf("node exited with error: %v", err)
		}
	}()

	h.Send("c1", "n1", map[string]interface{}{"type": "add", "msg_id": 1, "delta": 5})
	h.Send("c1", "n1", map[string]interface{}{"type": "add", "msg_id": 2, "delta": 3})
	h.Send("c1", "n1", map[string]interface{}{"type": "read", "msg_id": 3})

	env := h.WaitForType(t, "read_ok", 2*time.Second)
	var body struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatalf("parse read_ok: %v", err)
	}
	if body.Value != 8 {
		t.Fatalf("expected value 8, got %d", body.Value)
	}
}

// TestGCounter_ConvergesAcrossCluster checks that adds on distinct replicas
// are eventually reflected in every replica's read as their sum.
func TestGCounter_ConvergesAcrossCluster(t *testing.T) {
	defer goleak.VerifyNone(t)

	names := []string{"n1", "n2", "n3"}
	const interval = 20 * time.Millisecond

	factory := func(node *runtime.Node) (runtime.Workload, error) {
		return gcounter.NewWithInterval(node, interval)
	}

	h1 := testutil.NewHarness("n1", names, factory)
	h2 := testutil.NewHarness("n2", names, factory)
	h3 := testutil.NewHarness("n3", names, factory)

	net := testutil.NewNetwork(h1, h2, h3)
	net.Start()
	defer net.Stop()

	h1.Send("c1", "n1", map[string]interface{}{"type": "add", "msg_id": 1, "delta": 5})
	h2.Send("c1", "n2", map[string]interface{}{"type": "add", "msg_id": 1, "delta": 2})
	h3.Send("c1", "n3", map[string]interface{}{"type": "add", "msg_id": 1, "delta": 1})

	const want = 8
	deadline := time.Now().Add(3 * time.Second)
	for {
		if readEquals(h1, want) && readEquals(h2, want) && readEquals(h3, want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cluster did not converge to value %d in time", want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	net.Stop()
	for _, h := range []*testutil.Harness{h1, h2, h3} {
		if err := h.Close(); err != nil {
			t.Fatalf("node %s exited with error: %v", h.NodeID, err)
		}
	}
}

func readEquals(h *testutil.Harness, want uint64) bool {
	id := 1000 + len(h.Envelopes())
	h.Send("c1", h.NodeID, map[string]interface{}{"type": "read", "msg_id": id})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		env, ok := h.LastOfType("read_ok")
		if ok {
			var body struct {
				Value uint64 `json:"value"`
			}
			if err := json.Unmarshal(env.Body, &body); err == nil && body.Value == want {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
