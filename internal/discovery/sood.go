// ABOUTME: SOOD UDP service-discovery codec
// ABOUTME: Encodes and decodes the bespoke multicast/broadcast query/response frames
package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic and Version identify a SOOD datagram. No off-the-shelf library
// implements this bespoke binary protocol, so it is hand-rolled with
// encoding/binary — see DESIGN.md.
var Magic = [4]byte{'S', 'O', 'O', 'D'}

const Version byte = 0x02

// FrameType distinguishes a query from a response.
type FrameType byte

const (
	TypeQuery    FrameType = 'Q'
	TypeResponse FrameType = 'R'
)

// nullValueLength is the sentinel value-length that marks a null property
// value (name present, value absent).
const nullValueLength = 0xFFFF

// Message is a decoded SOOD datagram: a type tag plus an ordered set of
// name/value properties. Property order is preserved on encode but not
// significant on decode.
type Message struct {
	Type       FrameType
	Properties []Property
}

// Property is one name/value pair. Value is nil for a null-valued property.
type Property struct {
	Name  string
	Value []byte // nil means "null" (sentinel 0xFFFF length)
}

// Get returns the first property value with the given name.
func (m *Message) Get(name string) (string, bool) {
	for _, p := range m.Properties {
		if p.Name == name {
			if p.Value == nil {
				return "", true
			}
			return string(p.Value), true
		}
	}
	return "", false
}

// Encode serializes a Message to its wire representation.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(Version)
	buf.WriteByte(byte(msg.Type))

	for _, p := range msg.Properties {
		if len(p.Name) == 0 || len(p.Name) > 0xFF {
			return nil, fmt.Errorf("sood: property name length out of range: %q", p.Name)
		}
		buf.WriteByte(byte(len(p.Name)))
		buf.WriteString(p.Name)

		if p.Value == nil {
			var lenBuf [2]byte
			binary.BigEndian.PutUint16(lenBuf[:], nullValueLength)
			buf.Write(lenBuf[:])
			continue
		}

		if len(p.Value) >= nullValueLength {
			return nil, fmt.Errorf("sood: property value too long: %d", len(p.Value))
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p.Value)))
		buf.Write(lenBuf[:])
		buf.Write(p.Value)
	}

	return buf.Bytes(), nil
}

// Decode parses a SOOD datagram. It range-checks every length prefix
// against the remaining buffer and returns no partial result on
// truncation.
func Decode(data []byte) (*Message, bool) {
	if len(data) < 6 {
		return nil, false
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, false
	}
	if data[4] != Version {
		return nil, false
	}

	msg := &Message{Type: FrameType(data[5])}
	if msg.Type != TypeQuery && msg.Type != TypeResponse {
		return nil, false
	}

	rest := data[6:]
	for len(rest) > 0 {
		nameLen := int(rest[0])
		if nameLen == 0 {
			return nil, false
		}
		rest = rest[1:]
		if len(rest) < nameLen+2 {
			return nil, false
		}

		name := string(rest[:nameLen])
		rest = rest[nameLen:]

		valueLen := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]

		if valueLen == nullValueLength {
			msg.Properties = append(msg.Properties, Property{Name: name, Value: nil})
			continue
		}

		if len(rest) < valueLen {
			return nil, false
		}
		value := make([]byte, valueLen)
		copy(value, rest[:valueLen])
		rest = rest[valueLen:]

		msg.Properties = append(msg.Properties, Property{Name: name, Value: value})
	}

	return msg, true
}
