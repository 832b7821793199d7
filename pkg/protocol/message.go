// Package protocol implements the universal-connectivity application
// message schema, the only wire format the checkpoint core has to
// understand. The encoding is standard protobuf wire format so messages
// interoperate with peers built on generated protobuf code.
package protocol

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageKind discriminates the kind-specific payload of a Message.
type MessageKind int32

// Values 0-2 are a wire compatibility contract with existing
// universal-connectivity peers (Chat, File, BrowserPeerDiscovery);
// real-time data extends the enum past them.
const (
	KindChat MessageKind = iota
	KindFileTransfer
	KindPeerDiscovery
	KindRealTimeData
)

// String returns the lowercase tag used in log output.
func (k MessageKind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindFileTransfer:
		return "file"
	case KindRealTimeData:
		return "realtime"
	case KindPeerDiscovery:
		return "peer-discovery"
	default:
		return fmt.Sprintf("unknown(%d)", int32(k))
	}
}

// Protobuf field numbers. These are a wire compatibility contract and
// must never be renumbered.
const (
	fieldFrom      = 1
	fieldText      = 2
	fieldTimestamp = 3
	fieldKind      = 4
	fieldFileName  = 5
	fieldFileSize  = 6
	fieldFileBody  = 7
	fieldPeerID    = 8
	fieldAddrs     = 9
)

// Message is the application-level record carried on gossipsub topics.
// From and Timestamp are common to all kinds; the remaining fields are
// kind-specific: Text for chat and real-time data, FileName/FileSize/
// FileBody for file transfer, PeerID/Addrs for peer discovery.
type Message struct {
	From      string
	Text      string
	Timestamp int64
	Kind      MessageKind
	FileName  string
	FileSize  int64
	FileBody  []byte
	PeerID    string
	Addrs     []string
}

// NewChatMessage builds the periodic test message published in chatty
// mode.
func NewChatMessage(from string, counter int) *Message {
	return &Message{
		From:      from,
		Text:      fmt.Sprintf("Hello from %s! (%d)", from, counter),
		Timestamp: time.Now().Unix(),
		Kind:      KindChat,
	}
}

// Marshal encodes the message in protobuf wire format. Zero-valued
// fields are omitted, following proto3 semantics.
func (m *Message) Marshal() []byte {
	var b []byte
	if m.From != "" {
		b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
		b = protowire.AppendString(b, m.From)
	}
	if m.Text != "" {
		b = protowire.AppendTag(b, fieldText, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Timestamp))
	}
	if m.Kind != 0 {
		b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Kind))
	}
	if m.FileName != "" {
		b = protowire.AppendTag(b, fieldFileName, protowire.BytesType)
		b = protowire.AppendString(b, m.FileName)
	}
	if m.FileSize != 0 {
		b = protowire.AppendTag(b, fieldFileSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.FileSize))
	}
	if len(m.FileBody) > 0 {
		b = protowire.AppendTag(b, fieldFileBody, protowire.BytesType)
		b = protowire.AppendBytes(b, m.FileBody)
	}
	if m.PeerID != "" {
		b = protowire.AppendTag(b, fieldPeerID, protowire.BytesType)
		b = protowire.AppendString(b, m.PeerID)
	}
	for _, addr := range m.Addrs {
		b = protowire.AppendTag(b, fieldAddrs, protowire.BytesType)
		b = protowire.AppendString(b, addr)
	}
	return b
}

// Unmarshal decodes a message from protobuf wire format. Unknown fields
// are skipped so newer senders stay compatible.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("consuming tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldFrom && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field from: %w", protowire.ParseError(n))
			}
			m.From, b = v, b[n:]
		case num == fieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field text: %w", protowire.ParseError(n))
			}
			m.Text, b = v, b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("field timestamp: %w", protowire.ParseError(n))
			}
			m.Timestamp, b = int64(v), b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("field kind: %w", protowire.ParseError(n))
			}
			m.Kind, b = MessageKind(v), b[n:]
		case num == fieldFileName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field file_name: %w", protowire.ParseError(n))
			}
			m.FileName, b = v, b[n:]
		case num == fieldFileSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("field file_size: %w", protowire.ParseError(n))
			}
			m.FileSize, b = int64(v), b[n:]
		case num == fieldFileBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("field file_body: %w", protowire.ParseError(n))
			}
			m.FileBody = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldPeerID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field peer_id: %w", protowire.ParseError(n))
			}
			m.PeerID, b = v, b[n:]
		case num == fieldAddrs && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field addrs: %w", protowire.ParseError(n))
			}
			m.Addrs = append(m.Addrs, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
