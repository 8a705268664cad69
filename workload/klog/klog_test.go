package klog_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/maelstrom-go/internal/proto"
	"github.com/jabolina/maelstrom-go/internal/runtime"
	"github.com/jabolina/maelstrom-go/internal/testutil"
	"github.com/jabolina/maelstrom-go/workload/klog"
)

// fakeLinKV is a minimal in-memory stand-in for Maelstrom's lin-kv service:
// a tiny store behind a Set/Get-shaped interface that collapses here to a
// single compare-and-swap over one key, since k-log only ever touches
// "offset".
type fakeLinKV struct {
	values map[string]int
}

func newFakeLinKV(*runtime.Node) (runtime.Workload, error) {
	return &fakeLinKV{values: make(map[string]int)}, nil
}

func (f *fakeLinKV) Step(ev runtime.Event, node *runtime.Node) error {
	if ev.Kind != runtime.EventMessage {
		return nil
	}
	env := ev.Message
	header, err := env.ParseHeader()
	if err != nil {
		return err
	}
	if header.Type != "cas" {
		return nil
	}

	var body struct {
		proto.Header
		Key               string `json:"key"`
		From              int    `json:"from"`
		To                int    `json:"to"`
		CreateIfNotExists bool   `json:"create_if_not_exists"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return err
	}

	current, exists := f.values[body.Key]
	if !exists {
		if !body.CreateIfNotExists {
			_, err := node.Reply(env, &proto.ErrorBody{
				Header: proto.Header{Type: "error"},
				Code:   proto.ErrCodeKeyDoesNotExist,
				Text:   fmt.Sprintf("key %q does not exist", body.Key),
			})
			return err
		}
		f.values[body.Key] = body.From
		current = body.From
	}

	if current != body.From {
		_, err := node.Reply(env, &proto.ErrorBody{
			Header: proto.Header{Type: "error"},
			Code:   proto.ErrCodePreconditionFailed,
			Text:   fmt.Sprintf("current value %d is not %d", current, body.From),
		})
		return err
	}

	f.values[body.Key] = body.To
	_, err = node.Reply(env, &proto.Header{Type: "cas_ok"})
	return err
}

// newCluster wires a single k-log node against a simulated lin-kv node, both
// relayed through a testutil.Network, and returns both harnesses.
func newCluster(t *testing.T, interval time.Duration) (n1, kv *testutil.Harness, cleanup func()) {
	t.Helper()

	names := []string{"n1", "lin-kv"}
	kv = testutil.NewHarness("lin-kv", names, newFakeLinKV)
	klogFactory := func(node *runtime.Node) (runtime.Workload, error) {
		return klog.NewWithLinKV(node, "lin-kv", interval)
	}
	n1 = testutil.NewHarness("n1", names, klogFactory)

	net := testutil.NewNetwork(n1, kv)
	net.Start()

	cleanup = func() {
		net.Stop()
		if err := n1.Close(); err != nil {
			t.Fatalf("n1 exited with error: %v", err)
		}
		if err := kv.Close(); err != nil {
			t.Fatalf("lin-kv exited with error: %v", err)
		}
	}
	return n1, kv, cleanup
}

// TestKLog_SendAllocatesFromZero asserts that, against a cooperative
// lin-kv, the first send allocates offset 1 and a subsequent poll returns it.
func TestKLog_SendAllocatesFromZero(t *testing.T) {
	defer goleak.VerifyNone(t)

	n1, _, cleanup := newCluster(t, 10*time.Millisecond)
	defer cleanup()

	n1.Send("c1", "n1", map[string]interface{}{"type": "send", "msg_id": 1, "key": "k", "msg": 100})

	env := n1.WaitForType(t, "send_ok", 2*time.Second)
	var sendOk struct {
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(env.Body, &sendOk); err != nil {
		t.Fatalf("parse send_ok: %v", err)
	}
	if sendOk.Offset != 1 {
		t.Fatalf("expected offset 1, got %d", sendOk.Offset)
	}

	n1.Send("c1", "n1", map[string]interface{}{"type": "poll", "msg_id": 2, "offsets": map[string]int{"k": 0}})
	env = n1.WaitForType(t, "poll_ok", 2*time.Second)
	var pollOk struct {
		Msgs map[string][][2]int `json:"msgs"`
	}
	if err := json.Unmarshal(env.Body, &pollOk); err != nil {
		t.Fatalf("parse poll_ok: %v", err)
	}
	want := [][2]int{{1, 100}}
	got, ok := pollOk.Msgs["k"]
	if !ok || len(got) != 1 || got[0] != want[0] {
		t.Fatalf("expected msgs[k] == %v, got %v", want, pollOk.Msgs)
	}
}

// TestKLog_CASRetry covers the case where lin-kv already holds offset 7:
// the first CAS fails with a precondition error, the retry timer repairs
// curr_offset from the error text, and the eventual send_ok reflects
// offset 8.
func TestKLog_CASRetry(t *testing.T) {
	defer goleak.VerifyNone(t)

	n1, kv, cleanup := newCluster(t, 5*time.Millisecond)
	defer cleanup()

	// Pre-seed lin-kv's "offset" key to 7 directly (as if some other
	// client had already allocated offsets up to 7), so the k-log node
	// under test -- which still believes curr_offset is 0 -- collides on
	// its first CAS and must repair itself from the error text.
	kv.Send("c0", "lin-kv", map[string]interface{}{
		"type": "cas", "msg_id": 1, "key": "offset", "from": 0, "to": 7, "create_if_not_exists": true,
	})
	kv.WaitForType(t, "cas_ok", 2*time.Second)

	n1.Send("c1", "n1", map[string]interface{}{"type": "send", "msg_id": 1, "key": "k", "msg": 200})

	env := n1.WaitForType(t, "send_ok", 2*time.Second)
	var sendOk struct {
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(env.Body, &sendOk); err != nil {
		t.Fatalf("parse send_ok: %v", err)
	}
	if sendOk.Offset != 8 {
		t.Fatalf("expected offset 8 after retry, got %d", sendOk.Offset)
	}
}

// TestKLog_OffsetUniquenessUnderContention checks the offset-uniqueness
// property: across several sends for the same key, every returned offset is
// distinct, and poll from 0 returns them strictly ordered by offset.
func TestKLog_OffsetUniquenessUnderContention(t *testing.T) {
	defer goleak.VerifyNone(t)

	n1, _, cleanup := newCluster(t, 5*time.Millisecond)
	defer cleanup()

	const requests = 5
	for i := 0; i < requests; i++ {
		n1.Send("c1", "n1", map[string]interface{}{
			"type": "send", "msg_id": i + 1, "key": "k", "msg": 100 + i,
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	var offsets []int
	for time.Now().Before(deadline) && len(offsets) < requests {
		offsets = offsets[:0]
		for _, env := range n1.Envelopes() {
			header, err := env.ParseHeader()
			if err != nil || header.Type != "send_ok" {
				continue
			}
			var body struct {
				Offset int `json:"offset"`
			}
			if err := json.Unmarshal(env.Body, &body); err == nil {
				offsets = append(offsets, body.Offset)
			}
		}
		if len(offsets) < requests {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(offsets) != requests {
		t.Fatalf("expected %d send_ok replies, got %d", requests, len(offsets))
	}

	seen := make(map[int]bool, len(offsets))
	for _, offset := range offsets {
		if seen[offset] {
			t.Fatalf("offset %d returned more than once: %v", offset, offsets)
		}
		seen[offset] = true
	}

	n1.Send("c1", "n1", map[string]interface{}{
		"type": "poll", "msg_id": requests + 1, "offsets": map[string]int{"k": 0},
	})
	env := n1.WaitForType(t, "poll_ok", 2*time.Second)
	var pollOk struct {
		Msgs map[string][][2]int `json:"msgs"`
	}
	if err := json.Unmarshal(env.Body, &pollOk); err != nil {
		t.Fatalf("parse poll_ok: %v", err)
	}
	pairs := pollOk.Msgs["k"]
	if len(pairs) != requests {
		t.Fatalf("expected %d polled entries, got %d", requests, len(pairs))
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i][0] <= pairs[i-1][0] {
			t.Fatalf("poll entries not strictly ordered by offset: %v", pairs)
		}
	}
}

