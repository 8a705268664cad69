// Package testutil provides the cluster-simulation and invoker-tracking
// helpers workload tests share: an exported, non-`_test.go` package any
// `_test.go` file in this module can import.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/maelstrom-go/internal/logging"
	"github.com/jabolina/maelstrom-go/internal/proto"
	"github.com/jabolina/maelstrom-go/internal/runtime"
)

// WaitGroupInvoker spawns goroutines tracked by a sync.WaitGroup, so a test
// can block until every reader and timer task a node started has actually
// exited before asserting no goroutines leaked.
type WaitGroupInvoker struct {
	group sync.WaitGroup
}

// Spawn implements runtime.Invoker.
func (w *WaitGroupInvoker) Spawn(f func()) {
	w.group.Add(1)
	go func() {
		defer w.group.Done()
		f()
	}()
}

// Wait blocks until every spawned goroutine has returned.
func (w *WaitGroupInvoker) Wait() { w.group.Wait() }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

// Harness drives a runtime.Factory against an in-memory pipe standing in
// for the harness's stdin/stdout, recording every outbound envelope for
// assertions. One Harness is one simulated node.
type Harness struct {
	NodeID string

	in      *io.PipeWriter
	out     *syncBuffer
	invoker *WaitGroupInvoker
	done    chan error
}

// NewHarness starts factory's workload against a fresh node and sends the
// init handshake immediately.
func NewHarness(nodeID string, nodeIDs []string, factory runtime.Factory) *Harness {
	pr, pw := io.Pipe()
	h := &Harness{
		NodeID:  nodeID,
		in:      pw,
		out:     &syncBuffer{},
		invoker: &WaitGroupInvoker{},
		done:    make(chan error, 1),
	}

	log := logging.New()
	log.ToggleDebug(false)

	go func() {
		h.done <- runtime.RunWithInvoker(pr, h.out, log, factory, h.invoker)
	}()

	h.Send("c0", nodeID, map[string]interface{}{
		"type":     "init",
		"msg_id":   1,
		"node_id":  nodeID,
		"node_ids": nodeIDs,
	})
	return h
}

// Send writes one envelope to the node's simulated stdin.
func (h *Harness) Send(src, dest string, body interface{}) {
	data, err := json.Marshal(struct {
		Src  string      `json:"src"`
		Dest string      `json:"dest"`
		Body interface{} `json:"body"`
	}{src, dest, body})
	if err != nil {
		panic(err)
	}
	data = append(data, '\n')
	if _, err := h.in.Write(data); err != nil {
		panic(err)
	}
}

// Close ends the simulated stdin, waits for the node to shut down and for
// every spawned goroutine to exit, and returns the node's terminal error
// (nil on a clean EOF shutdown).
func (h *Harness) Close() error {
	_ = h.in.Close()
	err := <-h.done
	h.invoker.Wait()
	return err
}

// Envelopes decodes every frame written to the node's simulated stdout so
// far, in emission order.
func (h *Harness) Envelopes() []proto.RawEnvelope {
	dec := json.NewDecoder(bytes.NewReader(h.out.snapshot()))
	var envelopes []proto.RawEnvelope
	for {
		var env proto.RawEnvelope
		if err := dec.Decode(&env); err != nil {
			break
		}
		envelopes = append(envelopes, env)
	}
	return envelopes
}

// LastOfType returns the most recently emitted envelope whose body has the
// given type, or false if none has arrived yet.
func (h *Harness) LastOfType(typ string) (proto.RawEnvelope, bool) {
	envelopes := h.Envelopes()
	for i := len(envelopes) - 1; i >= 0; i-- {
		header, err := envelopes[i].ParseHeader()
		if err == nil && header.Type == typ {
			return envelopes[i], true
		}
	}
	return proto.RawEnvelope{}, false
}

// WaitForType polls until an envelope of the given type has been emitted,
// failing the test if timeout elapses first.
func (h *Harness) WaitForType(t *testing.T, typ string, timeout time.Duration) proto.RawEnvelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if env, ok := h.LastOfType(typ); ok {
			return env
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a %q envelope", typ)
	return proto.RawEnvelope{}
}

// Forward relays an envelope observed on one simulated node's stdout onto
// another simulated node's stdin, standing in for the harness's network
// between two separate processes.
func (h *Harness) Forward(env proto.RawEnvelope) {
	data, err := json.Marshal(struct {
		Src  string          `json:"src"`
		Dest string          `json:"dest"`
		Body json.RawMessage `json:"body"`
	}{env.Src, env.Dest, env.Body})
	if err != nil {
		panic(err)
	}
	data = append(data, '\n')
	if _, err := h.in.Write(data); err != nil {
		panic(err)
	}
}

// Network relays every outbound envelope addressed to another node in the
// set onto that node's simulated stdin, standing in for the Maelstrom
// harness's network across a small cluster of Harness-simulated processes.
type Network struct {
	nodes  map[string]*Harness
	cursor map[string]int
	stop   chan struct{}
	done   chan struct{}
}

// NewNetwork wires the given nodes together.
func NewNetwork(nodes ...*Harness) *Network {
	n := &Network{
		nodes:  make(map[string]*Harness, len(nodes)),
		cursor: make(map[string]int, len(nodes)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, h := range nodes {
		n.nodes[h.NodeID] = h
	}
	return n
}

// Start begins relaying in the background, until Stop is called.
func (n *Network) Start() {
	go n.run()
}

func (n *Network) run() {
	defer close(n.done)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.pump()
		}
	}
}

func (n *Network) pump() {
	for name, h := range n.nodes {
		envelopes := h.Envelopes()
		for i := n.cursor[name]; i < len(envelopes); i++ {
			env := envelopes[i]
			if target, ok := n.nodes[env.Dest]; ok {
				target.Forward(env)
			}
		}
		n.cursor[name] = len(envelopes)
	}
}

// Stop halts relaying and waits for the background goroutine to exit.
func (n *Network) Stop() {
	close(n.stop)
	<-n.done
}
