// Package broadcast implements the epidemic anti-entropy broadcast
// workload: every node accumulates a set of integer messages and
// periodically gossips the difference between what it has seen and what it
// believes each neighbour has already acknowledged.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jabolina/maelstrom-go/internal/corr"
	"github.com/jabolina/maelstrom-go/internal/proto"
	"github.com/jabolina/maelstrom-go/internal/runtime"
)

const (
	gossipInterval = 500 * time.Millisecond
	timerGossip    = "gossip"
)

type broadcastBody struct {
	proto.Header
	Message int `json:"message"`
}

type broadcastOkBody struct {
	proto.Header
}

type readOkBody struct {
	proto.Header
	Messages []int `json:"messages"`
}

type topologyBody struct {
	proto.Header
	Topology map[string][]string `json:"topology"`
}

type topologyOkBody struct {
	proto.Header
}

type gossipBody struct {
	proto.Header
	NewMessages []int `json:"new_messages"`
}

type gossipOkBody struct {
	proto.Header
}

// Workload is the broadcast state machine.
type Workload struct {
	node *runtime.Node

	messages   map[int]struct{}
	known      map[string]map[int]struct{}
	neighbours []string

	// pending maps an outgoing gossip's msg_id to the values it carried,
	// so an eventual gossip_ok can promote exactly those values into
	// known[src]. Any gossip_ok whose in_reply_to has a pending entry
	// promotes it, with no further acknowledgement tracking; a gossip_ok
	// with no matching entry promotes nothing. This stays correct under
	// known[peer]'s monotonic growth.
	pending *corr.Table[[]int]
}

// New constructs the broadcast workload and starts its anti-entropy timer
// at the standard 500ms interval.
func New(node *runtime.Node) (runtime.Workload, error) {
	return NewWithInterval(node, gossipInterval)
}

// NewWithInterval is New with a configurable anti-entropy period, exposed
// so tests can converge quickly instead of waiting on the production
// interval.
func NewWithInterval(node *runtime.Node, interval time.Duration) (runtime.Workload, error) {
	w := &Workload{
		node:     node,
		messages: make(map[int]struct{}),
		known:    make(map[string]map[int]struct{}),
		pending:  corr.New[[]int](),
	}
	for _, peer := range node.Peers() {
		w.known[peer] = make(map[int]struct{})
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
	case "broadcast":
		var body broadcastBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse broadcast: %w", err)
		}
		w.messages[body.Message] = struct{}{}
		_, err := w.node.Reply(env, &broadcastOkBody{Header: proto.Header{Type: "broadcast_ok"}})
		return err

	case "read":
		_, err := w.node.Reply(env, &readOkBody{
			Header:   proto.Header{Type: "read_ok"},
			Messages: w.snapshot(),
		})
		return err

	case "topology":
		var body topologyBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse topology: %w", err)
		}
		neighbours, ok := body.Topology[w.node.ID]
		if !ok {
			return fmt.Errorf("topology has no entry for self %q", w.node.ID)
		}
		w.neighbours = neighbours
		_, err := w.node.Reply(env, &topologyOkBody{Header: proto.Header{Type: "topology_ok"}})
		return err

	case "gossip":
		var body gossipBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse gossip: %w", err)
		}
		for _, value := range body.NewMessages {
			w.messages[value] = struct{}{}
		}
		_, err := w.node.Reply(env, &gossipOkBody{Header: proto.Header{Type: "gossip_ok"}})
		return err

	case "gossip_ok":
		if header.InReplyTo == nil {
			return nil
		}
		values, ok := w.pending.Take(*header.InReplyTo)
		if !ok {
			return nil
		}
		set := w.known[env.Src]
		if set == nil {
			set = make(map[int]struct{})
			w.known[env.Src] = set
		}
		for _, value := range values {
			set[value] = struct{}{}
		}
		return nil

	default:
		// broadcast_ok / topology_ok and any other late or unsolicited
		// reply to a request this node never made: discarded.
		return nil
	}
}

func (w *Workload) snapshot() []int {
	out := make([]int, 0, len(w.messages))
	for value := range w.messages {
		out = append(out, value)
	}
	sort.Ints(out)
	return out
}

func (w *Workload) antiEntropy() {
	for _, peer := range w.neighbours {
		known := w.known[peer]
		var diff []int
		for value := range w.messages {
			if _, ok := known[value]; !ok {
				diff = append(diff, value)
			}
		}
		if len(diff) == 0 {
			continue
		}
		sort.Ints(diff)

		id, err := w.node.Send(peer, &gossipBody{
			Header:      proto.Header{Type: "gossip"},
			NewMessages: diff,
		})
		if err != nil {
			w.node.Log().Errorf("failed sending gossip to %s: %v", peer, err)
			continue
		}
		w.pending.Put(id, diff)
	}
}
