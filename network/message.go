// Package network carries swarm messages between agents.
//
// This package implements:
//   - Message: the JSON envelope with a type discriminator
//   - Hub: an in-process transport backed by a worker pool
//   - ZmqNode: ZeroMQ transport with ROUTER/DEALER pattern
//   - P2PManager: swarm membership discovery
//   - Propagator: duplicate suppression and hop-limited relaying
//   - NetworkService: the ZeroMQ stack exposed as a Transport
package network

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// MaxNetworkMessageSize bounds a single encoded message (10MB).
const MaxNetworkMessageSize = 10 * 1024 * 1024

// Message types understood by the swarm.
const (
	TypeConsensusRequest = "consensus_request"
	TypeConsensusVote    = "consensus_vote"
	TypeStateRequest     = "state_request"
	TypeStateResponse    = "state_response"
	TypeStateUpdate      = "state_update"

	TypePeerAnnounce         = "peer_announce"
	TypePeerExchangeRequest  = "peer_exchange_request"
	TypePeerExchangeResponse = "peer_exchange_response"
)

// Common errors for network operations
var (
	ErrNodeNotRunning  = errors.New("node is not running")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrSendFailed      = errors.New("failed to send message")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrMissingSwarm    = errors.New("message has no swarm id")
)

// Message is the envelope exchanged between agents. Payload is decoded according to Type.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	SwarmID   string          `json:"swarm_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce,omitempty"`
	Hops      int             `json:"hops,omitempty"`
}

// NewMessage encodes payload into a fresh envelope.
func NewMessage(msgType, swarmID string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s payload", msgType)
		}
		raw = b
	}

	return &Message{
		Type:      msgType,
		SwarmID:   swarmID,
		Payload:   raw,
		Timestamp: time.Now(),
		Nonce:     uuid.NewString(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return errors.Newf("empty %s payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s payload", m.Type)
	}
	return nil
}

// Clone returns a copy that can be handed to another receiver.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &c
}

// Encode serializes the message, enforcing MaxNetworkMessageSize.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message")
	}
	if len(data) > MaxNetworkMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes (max: %d)", len(data), MaxNetworkMessageSize)
	}
	return data, nil
}

// DecodeMessage parses an encoded message.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > MaxNetworkMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes (max: %d)", len(data), MaxNetworkMessageSize)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal message")
	}
	if msg.Type == "" {
		return nil, errors.New("message has no type")
	}
	return &msg, nil
}

// MessageHandler is a callback for processing received messages.
type MessageHandler func(msg *Message) error

// Transport is what the consensus manager and the state synchronizer need from the network.
// Broadcast delivers to every member of msg.SwarmID, the sender included, and reports how
// many members it reached.
type Transport interface {
	Participants(ctx context.Context, swarmID string) ([]string, error)
	Broadcast(ctx context.Context, from string, msg *Message) (int, error)
	Send(ctx context.Context, from, to string, msg *Message) error
}
