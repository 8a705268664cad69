// Package klog implements the replicated-log workload: offsets are
// allocated by racing compare-and-swap attempts against an external
// linearizable key-value service (conventionally addressed "lin-kv"), with
// local retry on contention.
package klog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jabolina/maelstrom-go/internal/corr"
	"github.com/jabolina/maelstrom-go/internal/proto"
	"github.com/jabolina/maelstrom-go/internal/runtime"
)

const (
	retryInterval = 10 * time.Millisecond
	timerRetry    = "cas-retry"
	offsetKey     = "offset"
	defaultLinKV  = "lin-kv"
)

var currentValuePattern = regexp.MustCompile(`current value (\d+) is not \d+`)

type sendBody struct {
	proto.Header
	Key string `json:"key"`
	Msg int    `json:"msg"`
}

type sendOkBody struct {
	proto.Header
	Offset int `json:"offset"`
}

type pollBody struct {
	proto.Header
	Offsets map[string]int `json:"offsets"`
}

type pollOkBody struct {
	proto.Header
	Msgs map[string][][2]int `json:"msgs"`
}

type commitOffsetsBody struct {
	proto.Header
	Offsets map[string]int `json:"offsets"`
}

type commitOffsetsOkBody struct {
	proto.Header
}

type listCommittedOffsetsBody struct {
	proto.Header
	Keys []string `json:"keys"`
}

type listCommittedOffsetsOkBody struct {
	proto.Header
	Offsets map[string]int `json:"offsets"`
}

type casBody struct {
	proto.Header
	Key               string `json:"key"`
	From              int    `json:"from"`
	To                int    `json:"to"`
	CreateIfNotExists bool   `json:"create_if_not_exists"`
}

// logToProcess is a send request racing a CAS attempt against lin-kv.
type logToProcess struct {
	key             string
	msg             int
	requestSrc      string
	requestMsgID    int
	tentativeOffset int
	casFailed       bool
}

// Workload is the k-log state machine.
type Workload struct {
	node  *runtime.Node
	linKV string

	logs       map[string]map[int]int
	committed  map[string]int
	currOffset int

	// pending maps the outgoing cas msg_id currently racing for an offset
	// to the send request it would complete.
	pending *corr.Table[*logToProcess]
}

// New constructs the k-log workload addressing "lin-kv" as the external
// compare-and-swap service, with the standard 10ms retry interval.
func New(node *runtime.Node) (runtime.Workload, error) {
	return NewWithLinKV(node, defaultLinKV, retryInterval)
}

// NewWithLinKV is New with a configurable lin-kv address and retry
// interval, so tests can point at a simulated store and converge quickly.
func NewWithLinKV(node *runtime.Node, linKV string, interval time.Duration) (runtime.Workload, error) {
	w := &Workload{
		node:      node,
		linKV:     linKV,
		logs:      make(map[string]map[int]int),
		committed: make(map[string]int),
		pending:   corr.New[*logToProcess](),
	}
	node.StartTimer(timerRetry, interval)
	return w, nil
}

// Step implements runtime.Workload.
func (w *Workload) Step(ev runtime.Event, _ *runtime.Node) error {
	switch ev.Kind {
	case runtime.EventMessage:
		return w.handleMessage(ev.Message)
	case runtime.EventTimer:
		if ev.Timer == timerRetry {
			w.retryOne()
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
	case "send":
		var body sendBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse send: %w", err)
		}
		if header.MsgID == nil {
			return fmt.Errorf("send request missing msg_id")
		}
		tentative := w.currOffset + 1
		entry := &logToProcess{
			key:             body.Key,
			msg:             body.Msg,
			requestSrc:      env.Src,
			requestMsgID:    *header.MsgID,
			tentativeOffset: tentative,
		}
		id, err := w.node.Send(w.linKV, &casBody{
			Header:            proto.Header{Type: "cas"},
			Key:               offsetKey,
			From:              w.currOffset,
			To:                tentative,
			CreateIfNotExists: true,
		})
		if err != nil {
			return fmt.Errorf("send cas: %w", err)
		}
		w.currOffset = tentative
		w.pending.Put(id, entry)
		return nil

	case "poll":
		var body pollBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse poll: %w", err)
		}
		msgs := make(map[string][][2]int)
		for key, from := range body.Offsets {
			log, ok := w.logs[key]
			if !ok {
				continue
			}
			offsets := make([]int, 0, len(log))
			for offset := range log {
				if offset >= from {
					offsets = append(offsets, offset)
				}
			}
			if len(offsets) == 0 {
				continue
			}
			sort.Ints(offsets)
			pairs := make([][2]int, len(offsets))
			for i, offset := range offsets {
				pairs[i] = [2]int{offset, log[offset]}
			}
			msgs[key] = pairs
		}
		_, err := w.node.Reply(env, &pollOkBody{Header: proto.Header{Type: "poll_ok"}, Msgs: msgs})
		return err

	case "commit_offsets":
		var body commitOffsetsBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse commit_offsets: %w", err)
		}
		for key, offset := range body.Offsets {
			if _, ok := w.logs[key]; ok {
				w.committed[key] = offset
			}
		}
		_, err := w.node.Reply(env, &commitOffsetsOkBody{Header: proto.Header{Type: "commit_offsets_ok"}})
		return err

	case "list_committed_offsets":
		var body listCommittedOffsetsBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse list_committed_offsets: %w", err)
		}
		offsets := make(map[string]int)
		for _, key := range body.Keys {
			if offset, ok := w.committed[key]; ok {
				offsets[key] = offset
			}
		}
		_, err := w.node.Reply(env, &listCommittedOffsetsOkBody{
			Header:  proto.Header{Type: "list_committed_offsets_ok"},
			Offsets: offsets,
		})
		return err

	case "cas_ok":
		if header.InReplyTo == nil {
			return nil
		}
		entry, ok := w.pending.Take(*header.InReplyTo)
		if !ok {
			return nil
		}
		if w.logs[entry.key] == nil {
			w.logs[entry.key] = make(map[int]int)
		}
		w.logs[entry.key][entry.tentativeOffset] = entry.msg

		requestMsgID := entry.requestMsgID
		requestHeader, err := json.Marshal(proto.Header{MsgID: &requestMsgID})
		if err != nil {
			return fmt.Errorf("marshal synthetic request header: %w", err)
		}
		origRequest := proto.RawEnvelope{Src: entry.requestSrc, Dest: w.node.ID, Body: requestHeader}
		_, err = w.node.Reply(origRequest, &sendOkBody{
			Header: proto.Header{Type: "send_ok"},
			Offset: entry.tentativeOffset,
		})
		return err

	case "error":
		if header.InReplyTo == nil {
			return nil
		}
		entry, ok := w.pending.Get(*header.InReplyTo)
		if !ok {
			return nil
		}
		var body proto.ErrorBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return fmt.Errorf("parse error body: %w", err)
		}
		switch body.Code {
		case proto.ErrCodePreconditionFailed:
			if m := currentValuePattern.FindStringSubmatch(body.Text); m != nil {
				if current, err := strconv.Atoi(m[1]); err == nil {
					w.currOffset = current
				}
			}
			entry.casFailed = true
		case proto.ErrCodeKeyDoesNotExist:
			w.currOffset = 0
			entry.casFailed = true
			if _, err := w.node.Send(w.linKV, &casBody{
				Header:            proto.Header{Type: "cas"},
				Key:               offsetKey,
				From:              0,
				To:                0,
				CreateIfNotExists: true,
			}); err != nil {
				w.node.Log().Errorf("failed sending lin-kv init cas: %v", err)
			}
		}
		return nil

	default:
		return nil
	}
}

func (w *Workload) retryOne() {
	var (
		targetID int
		found    bool
	)
	w.pending.Each(func(id int, entry *logToProcess) {
		if !found && entry.casFailed {
			targetID, found = id, true
		}
	})
	if !found {
		return
	}
	entry, ok := w.pending.Take(targetID)
	if !ok {
		return
	}
	entry.casFailed = false
	entry.tentativeOffset = w.currOffset + 1
	id, err := w.node.Send(w.linKV, &casBody{
		Header:            proto.Header{Type: "cas"},
		Key:               offsetKey,
		From:              w.currOffset,
		To:                entry.tentativeOffset,
		CreateIfNotExists: true,
	})
	if err != nil {
		w.node.Log().Errorf("failed retrying cas: %v", err)
		w.pending.Put(targetID, entry)
		return
	}
	w.currOffset = entry.tentativeOffset
	w.pending.Put(id, entry)
}
