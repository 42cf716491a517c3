package wave

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind selects the algorithm variant that handles a round.
type Kind string

const (
	KindFlood Kind = "message"
	KindMin   Kind = "min"
	KindGraph Kind = "graph"
)

func (k Kind) valid() bool {
	switch k {
	case KindFlood, KindMin, KindGraph:
		return true
	}
	return false
}

// Phase distinguishes the outward request from the inward response of an
// echo round. Flood messages carry no phase.
type Phase string

const (
	PhaseNone     Phase = ""
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

var (
	ErrUnknownKind  = errors.New("wave: unknown algorithm kind")
	ErrUnknownPhase = errors.New("wave: unknown message phase")
	ErrNoRound      = errors.New("wave: message without round id")
)

// MinValue is a candidate minimum and the node that owns it.
type MinValue struct {
	Value int64  `json:"value"`
	Owner string `json:"client"`
}

// Topology maps a node id to the ids of its open neighbors.
type Topology map[string][]string

// Message is the decoded form of a wire frame.
//
// For min rounds a nil Min is the absent value; for graph rounds a nil Graph
// is. Both tell the receiver to skip the merge.
type Message struct {
	Round string
	Kind  Kind
	Phase Phase

	Sender string // flood only
	Text   string // flood only

	Min   *MinValue
	Graph Topology
}

// Absent reports whether the message carries nothing to merge.
func (m Message) Absent() bool {
	switch m.Kind {
	case KindMin:
		return m.Min == nil
	case KindGraph:
		return m.Graph == nil
	}
	return true
}

type wireMessage struct {
	R       string          `json:"r"`
	T       Kind            `json:"t"`
	MT      Phase           `json:"mt,omitempty"`
	Sender  *string         `json:"sender,omitempty"`
	Message *string         `json:"message,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Client  json.RawMessage `json:"client,omitempty"`
}

var jsonNull = json.RawMessage("null")

// Encode renders m in the JSON wire format.
func Encode(m Message) ([]byte, error) {
	if m.Round == "" {
		return nil, ErrNoRound
	}
	w := wireMessage{R: m.Round, T: m.Kind}
	switch m.Kind {
	case KindFlood:
		w.Sender, w.Message = &m.Sender, &m.Text
	case KindMin:
		w.MT = m.Phase
		w.Value, w.Client = jsonNull, jsonNull
		if m.Min != nil {
			v, _ := json.Marshal(m.Min.Value)
			c, _ := json.Marshal(m.Min.Owner)
			w.Value, w.Client = v, c
		}
	case KindGraph:
		w.MT = m.Phase
		w.Value = jsonNull
		if m.Graph != nil {
			v, err := json.Marshal(m.Graph)
			if err != nil {
				return nil, fmt.Errorf("encode graph value: %w", err)
			}
			w.Value = v
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return json.Marshal(w)
}

// Decode parses a wire frame. A min or graph frame without a phase is
// treated as a request.
func Decode(b []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if w.R == "" {
		return Message{}, ErrNoRound
	}
	if !w.T.valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.T)
	}
	m := Message{Round: w.R, Kind: w.T}

	if w.T == KindFlood {
		if w.Sender != nil {
			m.Sender = *w.Sender
		}
		if w.Message != nil {
			m.Text = *w.Message
		}
		return m, nil
	}

	switch w.MT {
	case PhaseNone, PhaseRequest:
		m.Phase = PhaseRequest
	case PhaseResponse:
		m.Phase = PhaseResponse
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownPhase, w.MT)
	}

	if isNull(w.Value) {
		return m, nil
	}
	switch w.T {
	case KindMin:
		var v int64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return Message{}, fmt.Errorf("decode min value: %w", err)
		}
		var owner string
		if !isNull(w.Client) {
			if err := json.Unmarshal(w.Client, &owner); err != nil {
				return Message{}, fmt.Errorf("decode min owner: %w", err)
			}
		}
		m.Min = &MinValue{Value: v, Owner: owner}
	case KindGraph:
		var g Topology
		if err := json.Unmarshal(w.Value, &g); err != nil {
			return Message{}, fmt.Errorf("decode graph value: %w", err)
		}
		if g == nil {
			g = Topology{}
		}
		m.Graph = g
	}
	return m, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
