// Package tamap implements the totally-available transactional map
// workload: a local integer-keyed map mutated by client transactions, with
// writes propagated to peers by causal gossip rather than consensus.
package tamap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jabolina/maelstrom-go/internal/corr"
	"github.com/jabolina/maelstrom-go/internal/proto"
	"github.com/jabolina/maelstrom-go/internal/runtime"
)

const (
	gossipInterval = 200 * time.Millisecond
	timerGossip    = "gossip"
)

// op is one transaction operation on the wire: ["r", key, value] or
// ["w", key, value]. value is null on a read request and on the response
// to a write it is echoed back; on the response to a read it carries the
// observed value (or remains null if the key was never written).
type op struct {
	Kind  string
	Key   int
	Value *int
}

func (o op) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{o.Kind, o.Key, o.Value})
}

func (o *op) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode op tuple: %w", err)
	}
	if err := json.Unmarshal(raw[0], &o.Kind); err != nil {
		return fmt.Errorf("decode op kind: %w", err)
	}
	if err := json.Unmarshal(raw[1], &o.Key); err != nil {
		return fmt.Errorf("decode op key: %w", err)
	}
	var value *int
	if err := json.Unmarshal(raw[2], &value); err != nil {
		return fmt.Errorf("decode op value: %w", err)
	}
	o.Value = value
	return nil
}

type txnBody struct {
	proto.Header
	Ops []op `json:"txn"`
}

type txnOkBody struct {
	proto.Header
	Ops []op `json:"txn"`
}

type gossipBody struct {
	proto.Header
	Txn []op `json:"txn"`
}

type gossipOkBody struct {
	proto.Header
}

// Workload is the ta-map state machine.
type Workload struct {
	node *runtime.Node

	values map[int]int

	// queued holds, per peer, the transactions not yet flushed to it.
	queued map[string][][]op
	// peers is the fixed iteration order antiEntropy rotates through,
	// flushing at most one peer per tick.
	peers    []string
	rotation int

	// inFlight maps an outgoing gossip's msg_id to the peer it was sent
	// to, so a gossip_ok can drop the matching entry. The flushed batch
	// itself needs no further action on acknowledgement; only the
	// bookkeeping entry is dropped.
	inFlight *corr.Table[string]
}

// New constructs the ta-map workload and starts its anti-entropy timer at
// the standard 200ms interval.
func New(node *runtime.Node) (runtime.Workload, error) {
	return NewWithInterval(node, gossipInterval)
}

// NewWithInterval is New with a configurable anti-entropy period.
func NewWithInterval(node *runtime.Node, interval time.Duration) (runtime.Workload, error) {
	w := &Workload{
		node:     node,
		values:   make(map[int]int),
		queued:   make(map[string][][]op),
		inFlight: corr.New[string](),
	}
	w.peers = node.Peers()
	for _, peer := range w.peers {
		w.queued[peer] = nil
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
	case "txn":
		var body txnBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse txn: %w", err)
		}
		response, err := w.apply(body.Ops, true)
		if err != nil {
			return fmt.Errorf("apply txn: %w", err)
		}
		_, err = w.node.Reply(env, &txnOkBody{Header: proto.Header{Type: "txn_ok"}, Ops: response})
		return err

	case "gossip":
		var body gossipBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse gossip: %w", err)
		}
		if _, err := w.apply(body.Txn, false); err != nil {
			return fmt.Errorf("apply gossip: %w", err)
		}
		_, err := w.node.Reply(env, &gossipOkBody{Header: proto.Header{Type: "gossip_ok"}})
		return err

	case "gossip_ok":
		if header.InReplyTo != nil {
			w.inFlight.Take(*header.InReplyTo)
		}
		return nil

	default:
		return nil
	}
}

// apply runs ops against the local map in order. When buildResponse is
// true it returns the txn_ok response ops (reads substituted with the
// observed value) and enqueues the original ops onto every peer's gossip
// queue; otherwise (a gossip re-application) it only applies writes and
// ignores reads, per the workload's causal-write-only propagation. A write
// op with a null value is malformed per the wire grammar and reported as
// an error rather than dereferenced.
func (w *Workload) apply(ops []op, buildResponse bool) ([]op, error) {
	var response []op
	if buildResponse {
		response = make([]op, len(ops))
	}

	for i, o := range ops {
		switch o.Kind {
		case "r":
			if !buildResponse {
				continue
			}
			var value *int
			if v, ok := w.values[o.Key]; ok {
				v := v
				value = &v
			}
			response[i] = op{Kind: "r", Key: o.Key, Value: value}

		case "w":
			if o.Value == nil {
				return nil, fmt.Errorf("write op for key %d carries a null value", o.Key)
			}
			w.values[o.Key] = *o.Value
			if buildResponse {
				response[i] = o
			}
		}
	}

	if buildResponse {
		for peer := range w.queued {
			w.queued[peer] = append(w.queued[peer], ops)
		}
	}
	return response, nil
}

// antiEntropy flushes at most one peer's queue per tick: the next peer in
// rotation through w.peers whose queue is non-empty, so no peer with queued
// writes starves. When every queue is empty it sends nothing.
func (w *Workload) antiEntropy() {
	if len(w.peers) == 0 {
		return
	}
	for i := 0; i < len(w.peers); i++ {
		peer := w.peers[w.rotation%len(w.peers)]
		w.rotation++
		batch := w.queued[peer]
		if len(batch) == 0 {
			continue
		}
		for _, txn := range batch {
			id, err := w.node.Send(peer, &gossipBody{Header: proto.Header{Type: "gossip"}, Txn: txn})
			if err != nil {
				w.node.Log().Errorf("failed sending gossip to %s: %v", peer, err)
				continue
			}
			w.inFlight.Put(id, peer)
		}
		w.queued[peer] = nil
		return
	}
}
