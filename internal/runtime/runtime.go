// Package runtime is the event-driven substrate every workload is built on:
// it performs the init handshake, owns the inbound-message reader and the
// per-workload timer tasks, and drives the workload's Step function serially
// against a single event queue. No workload state is ever touched off this
// one executor goroutine, so workloads need no locks of their own.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jabolina/maelstrom-go/internal/logging"
	"github.com/jabolina/maelstrom-go/internal/proto"
)

// EventKind discriminates the three event variants the queue delivers.
type EventKind int

const (
	// EventMessage carries an inbound envelope from the reader task.
	EventMessage EventKind = iota
	// EventTimer carries an injected event from one of the workload's
	// timer tasks, identified by the kind string it was started with.
	EventTimer
	// EventEOF is the sentinel posted once by the reader task when
	// standard input is exhausted (or fails to parse).
	EventEOF
)

// Event is the single type flowing through the queue.
type Event struct {
	Kind    EventKind
	Message proto.RawEnvelope
	Timer   string
	// Err is set alongside EventEOF only when the stream ended abnormally
	// (a protocol error) rather than by clean exhaustion.
	Err error
}

// Invoker spawns goroutines on behalf of the runtime. Production code
// always uses the default goroutine-spawning invoker; tests substitute one
// backed by a sync.WaitGroup so they can deterministically await shutdown
// (see internal/testutil).
type Invoker interface {
	Spawn(f func())
}

type goInvoker struct{}

func (goInvoker) Spawn(f func()) { go f() }

// Workload is implemented once per binary (broadcast, g-counter, k-log,
// ta-map). Step is called serially, once per event, by the single executor
// goroutine.
type Workload interface {
	Step(ev Event, node *Node) error
}

// Factory constructs a Workload once the node has been bootstrapped from
// the init message. It receives the Node so it can spawn its own timer
// tasks via Node.StartTimer.
type Factory func(node *Node) (Workload, error)

// Node is the executor's handle on everything a workload needs: identity,
// outgoing id allocation, the output codec, logging, and timer spawning.
// Every method here is only ever called on the executor goroutine, from the
// Factory or from a Workload's Step, so none of it needs its own locking beyond what
// proto.Writer already provides for the output frame itself.
type Node struct {
	ID      string
	NodeIDs []string

	nextID int

	log     logging.Logger
	out     *proto.Writer
	queue   chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	invoker Invoker
}

// Log returns the node's logger.
func (n *Node) Log() logging.Logger { return n.log }

// Peers returns every node id other than this one, in the order the init
// message listed them.
func (n *Node) Peers() []string {
	peers := make([]string, 0, len(n.NodeIDs))
	for _, id := range n.NodeIDs {
		if id != n.ID {
			peers = append(peers, id)
		}
	}
	return peers
}

// NextID allocates the next strictly-increasing outgoing message id.
func (n *Node) NextID() int {
	n.nextID++
	return n.nextID
}

// Send emits an unsolicited outbound message to dest, stamping a fresh
// outgoing id and leaving in_reply_to unset.
func (n *Node) Send(dest string, payload proto.Headered) (int, error) {
	id := n.NextID()
	h := payload.Head()
	h.MsgID = &id
	h.InReplyTo = nil
	if err := n.out.Write(n.ID, dest, payload); err != nil {
		return id, err
	}
	return id, nil
}

// Reply emits payload back to the source of orig, swapping src/dest and
// copying orig's id into in_reply_to, per the envelope invariants.
func (n *Node) Reply(orig proto.RawEnvelope, payload proto.Headered) (int, error) {
	origHeader, err := orig.ParseHeader()
	if err != nil {
		return 0, fmt.Errorf("parse header to reply to %s: %w", orig.Src, err)
	}

	id := n.NextID()
	h := payload.Head()
	h.MsgID = &id
	h.InReplyTo = origHeader.MsgID
	if err := n.out.Write(n.ID, orig.Src, payload); err != nil {
		return id, err
	}
	return id, nil
}

// StartTimer spawns a timer task that enqueues an EventTimer{Timer: kind}
// every interval until the node shuts down. Workloads that need several
// distinct timers call this once per kind; workloads that need none never
// call it.
func (n *Node) StartTimer(kind string, interval time.Duration) {
	n.invoker.Spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				select {
				case n.queue <- Event{Kind: EventTimer, Timer: kind}:
				case <-n.ctx.Done():
					return
				}
			}
		}
	})
}

// readLoop parses one envelope at a time off the input decoder and
// enqueues EventMessage events, until the stream ends or the node shuts
// down. When the stream ends it posts one EventEOF before returning, unless
// the node has already shut down; on shutdown it returns without posting.
func (n *Node) readLoop(dec *json.Decoder) {
	for {
		var env proto.RawEnvelope
		if err := dec.Decode(&env); err != nil {
			eof := Event{Kind: EventEOF}
			if !errors.Is(err, io.EOF) {
				eof.Err = fmt.Errorf("malformed input: %w", err)
			}
			select {
			case n.queue <- eof:
			case <-n.ctx.Done():
			}
			return
		}

		select {
		case n.queue <- Event{Kind: EventMessage, Message: env}:
		case <-n.ctx.Done():
			return
		}
	}
}

// Run performs the init handshake, constructs the workload, starts the
// reader task, and drains the event queue until EventEOF, calling the
// workload's Step once per event. It returns a non-nil error for any fatal
// condition: a malformed init message, a workload construction failure, a
// protocol error later in the stream, or an error surfaced by Step (which
// includes IO errors on stdout and the broadcast topology precondition).
func Run(in io.Reader, out io.Writer, log logging.Logger, factory Factory) error {
	return run(in, out, log, factory, goInvoker{})
}

// RunWithInvoker is Run with an explicit Invoker, so tests can substitute a
// wait-group-joined invoker to deterministically observe shutdown with no
// leaked goroutines (see internal/testutil.WaitGroupInvoker).
func RunWithInvoker(in io.Reader, out io.Writer, log logging.Logger, factory Factory, invoker Invoker) error {
	return run(in, out, log, factory, invoker)
}

func run(in io.Reader, out io.Writer, log logging.Logger, factory Factory, invoker Invoker) error {
	dec := json.NewDecoder(in)

	var initEnv proto.RawEnvelope
	if err := dec.Decode(&initEnv); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("no init message received")
		}
		return fmt.Errorf("parse init message: %w", err)
	}

	var initBody proto.InitBody
	if err := json.Unmarshal(initEnv.Body, &initBody); err != nil {
		return fmt.Errorf("parse init body: %w", err)
	}
	if initBody.Type != "init" {
		return fmt.Errorf("first message was not init, got %q", initBody.Type)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := &Node{
		ID:      initBody.NodeID,
		NodeIDs: initBody.NodeIDs,
		log:     log.With("node", initBody.NodeID),
		out:     proto.NewWriter(out),
		queue:   make(chan Event, 256),
		ctx:     ctx,
		cancel:  cancel,
		invoker: invoker,
	}

	zero := 0
	initOk := &proto.InitOkBody{Header: proto.Header{Type: "init_ok", MsgID: &zero, InReplyTo: initBody.MsgID}}
	if err := node.out.Write(node.ID, initEnv.Src, initOk); err != nil {
		return fmt.Errorf("reply to init: %w", err)
	}

	workload, err := factory(node)
	if err != nil {
		return fmt.Errorf("construct workload: %w", err)
	}

	invoker.Spawn(func() { node.readLoop(dec) })

	for {
		ev := <-node.queue
		if ev.Kind == EventEOF {
			cancel()
			return ev.Err
		}
		if err := workload.Step(ev, node); err != nil {
			cancel()
			node.log.Errorf("fatal error processing event: %v", err)
			return err
		}
	}
}
