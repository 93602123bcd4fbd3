package identify

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxIdentifyMessageSize is the hard cap on an encoded Identify message
// (spec §4.6); exceeding it on either encode or decode is a fatal protocol
// error, not a truncation.
const maxIdentifyMessageSize = 8 * 1024

// Message mirrors the standard libp2p identify wire message. Field numbers
// match the real identify.proto layout so this module's wire format stays
// interoperable in spirit; encoding follows this codebase's established
// hand-rolled-protobuf pattern (core/record/envelope.go,
// core/record/peer_record.go) via google.golang.org/protobuf/encoding/protowire,
// since no protoc-generated pb.Identify type exists in this retrieval pack
// (the teacher's ipfs-go-libp2p counterpart depends on gogo-protobuf codegen
// this module doesn't carry).
type Message struct {
	ProtocolVersion  string
	AgentVersion     string
	PublicKey        []byte
	ListenAddrs      [][]byte
	ObservedAddr     []byte
	Protocols        []string
	SignedPeerRecord []byte
}

const (
	fieldPublicKey        = 1
	fieldListenAddrs      = 2
	fieldProtocols        = 3
	fieldObservedAddr     = 4
	fieldProtocolVersion  = 5
	fieldAgentVersion     = 6
	fieldSignedPeerRecord = 8
)

// Marshal encodes the message. It returns an error rather than silently
// truncating when the result would exceed maxIdentifyMessageSize.
func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	if len(m.PublicKey) > 0 {
		b = protowire.AppendTag(b, fieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PublicKey)
	}
	for _, a := range m.ListenAddrs {
		b = protowire.AppendTag(b, fieldListenAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	for _, p := range m.Protocols {
		b = protowire.AppendTag(b, fieldProtocols, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	if len(m.ObservedAddr) > 0 {
		b = protowire.AppendTag(b, fieldObservedAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ObservedAddr)
	}
	if m.ProtocolVersion != "" {
		b = protowire.AppendTag(b, fieldProtocolVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.ProtocolVersion)
	}
	if m.AgentVersion != "" {
		b = protowire.AppendTag(b, fieldAgentVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.AgentVersion)
	}
	if len(m.SignedPeerRecord) > 0 {
		b = protowire.AppendTag(b, fieldSignedPeerRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SignedPeerRecord)
	}
	if len(b) > maxIdentifyMessageSize {
		return nil, fmt.Errorf("identify: encoded message of %d bytes exceeds max %d", len(b), maxIdentifyMessageSize)
	}
	return b, nil
}

// UnmarshalMessage decodes bytes produced by Marshal, rejecting oversize
// input outright.
func UnmarshalMessage(data []byte) (*Message, error) {
	if len(data) > maxIdentifyMessageSize {
		return nil, fmt.Errorf("identify: message of %d bytes exceeds max %d", len(data), maxIdentifyMessageSize)
	}
	m := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("identify: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("identify: bad field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("identify: bad bytes field: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldPublicKey:
			m.PublicKey = append([]byte(nil), val...)
		case fieldListenAddrs:
			m.ListenAddrs = append(m.ListenAddrs, append([]byte(nil), val...))
		case fieldProtocols:
			m.Protocols = append(m.Protocols, string(val))
		case fieldObservedAddr:
			m.ObservedAddr = append([]byte(nil), val...)
		case fieldProtocolVersion:
			m.ProtocolVersion = string(val)
		case fieldAgentVersion:
			m.AgentVersion = string(val)
		case fieldSignedPeerRecord:
			m.SignedPeerRecord = append([]byte(nil), val...)
		}
	}
	return m, nil
}
