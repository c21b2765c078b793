package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Kind is the wire "type" tag of a message.
type Kind string

const (
	KindInit      Kind = "init"
	KindQuery     Kind = "query"
	KindNeighbors Kind = "neighbors"
	KindTopology  Kind = "topology"
)

func (k Kind) Known() bool {
	switch k {
	case KindInit, KindQuery, KindNeighbors, KindTopology:
		return true
	default:
		return false
	}
}

// Topology maps a node id to its ordered neighbor ids.
type Topology map[string][]string

// Nodes returns the node ids in lexical order.
func (t Topology) Nodes() []string {
	out := make([]string, 0, len(t))
	for id := range t {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EdgeCount counts directed adjacency entries.
func (t Topology) EdgeCount() int {
	n := 0
	for _, neighbors := range t {
		n += len(neighbors)
	}
	return n
}

func (t Topology) Clone() Topology {
	if t == nil {
		return nil
	}
	out := make(Topology, len(t))
	for id, neighbors := range t {
		out[id] = copyIDs(neighbors)
	}
	return out
}

// Message is one coordinator protocol message.
// Neighbors is only carried by neighbors messages and Topology only by
// topology messages; Encode drops whichever does not match Kind.
type Message struct {
	SenderID   string
	ReceiverID string
	MsgID      string
	Kind       Kind
	Neighbors  []string
	Topology   Topology
}

type wireMessage struct {
	SenderID   string               `json:"sender_id"`
	ReceiverID string               `json:"receiver_id"`
	MsgID      string               `json:"msg_id"`
	Type       Kind                 `json:"type"`
	N          *[]string            `json:"n,omitempty"`
	Topology   *map[string][]string `json:"topology,omitempty"`
}

// NewMsgID returns a fresh message id. Ids are never deduplicated against.
func NewMsgID() string {
	return uuid.NewString()
}

func NewInit(senderID, receiverID string) Message {
	return Message{SenderID: senderID, ReceiverID: receiverID, MsgID: NewMsgID(), Kind: KindInit}
}

func NewQuery(senderID, receiverID string) Message {
	return Message{SenderID: senderID, ReceiverID: receiverID, MsgID: NewMsgID(), Kind: KindQuery}
}

func NewNeighbors(senderID, receiverID string, neighbors []string) Message {
	return Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		MsgID:      NewMsgID(),
		Kind:       KindNeighbors,
		Neighbors:  copyIDs(neighbors),
	}
}

// NewTopology builds the final report message; receiver_id stays empty.
func NewTopology(senderID string, topology Topology) Message {
	return Message{
		SenderID: senderID,
		MsgID:    NewMsgID(),
		Kind:     KindTopology,
		Topology: topology.Clone(),
	}
}

// Validate checks the required fields and the kind/payload pairing.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: sender_id", ErrMissingField)
	}
	if strings.TrimSpace(m.MsgID) == "" {
		return fmt.Errorf("%w: msg_id", ErrMissingField)
	}
	if !m.Kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.Kind != KindTopology && strings.TrimSpace(m.ReceiverID) == "" {
		return fmt.Errorf("%w: receiver_id", ErrMissingField)
	}
	if m.Kind != KindNeighbors && len(m.Neighbors) > 0 {
		return fmt.Errorf("%w: n on %s", ErrUnexpectedPayload, m.Kind)
	}
	if m.Kind != KindTopology && len(m.Topology) > 0 {
		return fmt.Errorf("%w: topology on %s", ErrUnexpectedPayload, m.Kind)
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		MsgID:      m.MsgID,
		Type:       m.Kind,
	}
	switch m.Kind {
	case KindNeighbors:
		n := m.Neighbors
		if n == nil {
			n = []string{}
		}
		w.N = &n
	case KindTopology:
		t := map[string][]string(m.Topology)
		if t == nil {
			t = map[string][]string{}
		}
		w.Topology = &t
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		MsgID:      w.MsgID,
		Kind:       w.Type,
	}
	if w.N != nil {
		m.Neighbors = *w.N
	}
	if w.Topology != nil {
		m.Topology = Topology(*w.Topology)
	}
	return nil
}

// Encode serialises one message as a single JSON object with no delimiter.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one JSON object. Unknown kinds are kept; callers decide.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ValidNodeID reports whether id stays inside the alphabet the frame splitter
// can handle: non-empty ASCII letters and digits.
func ValidNodeID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

func copyIDs(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
