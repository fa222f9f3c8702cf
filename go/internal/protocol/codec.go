package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Encode wraps msg in an Envelope and marshals it
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Type(), err)
	}
	out, err := json.Marshal(Envelope{Type: msg.Type(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return out, nil
}

// DecodeInbound parses a frame received by a client
func DecodeInbound(raw []byte) (Inbound, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeConnected:
		return decodeData[Connected](env)
	case TypeAuthSuccess:
		return decodeData[AuthSuccess](env)
	case TypeHeartbeatAck:
		return decodeData[HeartbeatAck](env)
	case TypeSessionStateUpdate:
		return decodeData[SessionStateUpdate](env)
	case TypeClearSyncData:
		return decodeData[ClearSyncData](env)
	case TypeError:
		return decodeData[Error](env)
	case TypeActionCompleted:
		return decodeData[ActionCompleted](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodeOutbound parses a frame sent by a client, as the coordination
// service sees it
func DecodeOutbound(raw []byte) (Outbound, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeAuth:
		return decodeData[Auth](env)
	case TypeHeartbeat:
		return decodeData[Heartbeat](env)
	case TypeStateUpdate:
		return decodeData[StateUpdate](env)
	case TypeActionCompleted:
		return decodeData[ActionCompleted](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decodeData[T Message](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return payload, nil
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Type, err)
	}
	return payload, nil
}
