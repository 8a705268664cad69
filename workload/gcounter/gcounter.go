// Package gcounter implements the grow-only counter workload: each replica
// owns one counter, and peers converge on the sum of all replicas via
// last-writer-wins per-replica gossip of the full value map.
package gcounter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jabolina/maelstrom-go/internal/proto"
	"github.com/jabolina/maelstrom-go/internal/runtime"
)

const (
	gossipInterval = 200 * time.Millisecond
	timerGossip    = "gossip"
)

type addBody struct {
	proto.Header
	Delta int64 `json:"delta"`
}

type addOkBody struct {
	proto.Header
}

type readOkBody struct {
	proto.Header
	Value uint64 `json:"value"`
}

type gossipBody struct {
	proto.Header
	Values map[string]uint64 `json:"values"`
}

type gossipOkBody struct {
	proto.Header
	Value uint64 `json:"value"`
}

// Workload is the g-counter state machine.
type Workload struct {
	node *runtime.Node

	// values[self] is this replica's own counter, monotonically
	// non-decreasing. values[peer] is the last view gossiped in from
	// that peer, adopted only when it strictly increases.
	values map[string]uint64

	// ack[peer] is the last value peer has acknowledged receiving for
	// this replica's own counter, via that peer's gossip_ok.
	ack map[string]uint64
}

// New constructs the g-counter workload and starts its anti-entropy timer
// at the standard 200ms interval.
func New(node *runtime.Node) (runtime.Workload, error) {
	return NewWithInterval(node, gossipInterval)
}

// NewWithInterval is New with a configurable anti-entropy period.
func NewWithInterval(node *runtime.Node, interval time.Duration) (runtime.Workload, error) {
	w := &Workload{
		node:   node,
		values: make(map[string]uint64),
		ack:    make(map[string]uint64),
	}
	w.values[node.ID] = 0
	for _, peer := range node.Peers() {
		w.values[peer] = 0
	}
	node.StartTimer(timerGossip, interval)
	return w, nil
}

// Step implements runtime.Workload.
func (w *Workload) Step(ev runtime.Event, _ *runtime.Node) error {
	switch ev.Kind {
	case runtime.EventMessage:
		return w.handleMessage(ev.Message)
	case runtime.EventTimer:
		if ev.Timer == timerGossip {
			w.antiEntropy()
		}
		return nil
	default:
		return nil
	}
}

func (w *Workload) handleMessage(env proto.RawEnvelope) error {
	header, err := env.ParseHeader()
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}

	switch header.Type {
	case "add":
		var body addBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse add: %w", err)
		}
		w.values[w.node.ID] += uint64(body.Delta)
		_, err := w.node.Reply(env, &addOkBody{Header: proto.Header{Type: "add_ok"}})
		return err

	case "read":
		var sum uint64
		for _, value := range w.values {
			sum += value
		}
		_, err := w.node.Reply(env, &readOkBody{Header: proto.Header{Type: "read_ok"}, Value: sum})
		return err

	case "gossip":
		var body gossipBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse gossip: %w", err)
		}
		for peer, value := range body.Values {
			if value > w.values[peer] {
				w.values[peer] = value
			}
		}
		_, err := w.node.Reply(env, &gossipOkBody{
			Header: proto.Header{Type: "gossip_ok"},
			Value:  w.values[env.Src],
		})
		return err

	case "gossip_ok":
		var body gossipOkBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse gossip_ok: %w", err)
		}
		w.ack[env.Src] = body.Value
		return nil

	default:
		return nil
	}
}

func (w *Workload) antiEntropy() {
	self := w.values[w.node.ID]
	for _, peer := range w.node.Peers() {
		if w.ack[peer] == self {
			continue
		}
		values := make(map[string]uint64, len(w.values))
		for k, v := range w.values {
			values[k] = v
		}
		if _, err := w.node.Send(peer, &gossipBody{
			Header: proto.Header{Type: "gossip"},
			Values: values,
		}); err != nil {
			w.node.Log().Errorf("failed sending gossip to %s: %v", peer, err)
		}
	}
}
