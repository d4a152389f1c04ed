package frame

import (
	"encoding/binary"
	"time"
)

// MagicNumber anchors every frame; a header whose first four bytes do not match is
// not a message and the stream must be resynchronized byte-by-byte.
const MagicNumber uint32 = 0x48598A7C

// HeaderSize is the fixed size of the wire header in bytes.
const HeaderSize = 28

// MaxBodySize bounds the DataLength field. A header announcing a larger body is
// treated as garbage so that a corrupted length cannot stall the decoder.
const MaxBodySize = 1 << 20

// Data format tags carried in the header's DataFormat field.
const (
	FormatBinary uint8 = 0
	FormatJSON   uint8 = 1
)

// Request message types. The ACK/result counterpart of a request type is type + 1000.
const (
	TypeHeartbeat    int16 = 1
	TypeUpload       int16 = 2
	TypeUploadResult int16 = 3
	TypeWCSReport    int16 = 10
)

// AckTypeOffset is the distance between a request type and its ACK/result counterpart.
const AckTypeOffset int16 = 1000

// AckOf returns the ACK/result message type for the given request type.
func AckOf(reqType int16) int16 { return reqType + AckTypeOffset }

// ReqOf returns the request message type for the given ACK/result type.
func ReqOf(ackType int16) int16 { return ackType - AckTypeOffset }

// IsAck reports whether t is an ACK/result message type.
func IsAck(t int16) bool { return t >= AckTypeOffset }

// Header is the fixed-size wire header preceding every frame body.
//
// Sequence is assigned per connection, monotonically increasing, wrapping at the
// uint32 maximum back to 1 (0 is never a valid sequence). DataLength always equals
// the length of the body that follows.
type Header struct {
	Magic        uint32
	MessageType  int16
	Sequence     uint32
	DataLength   uint32
	ProtoVersion uint8
	DataFormat   uint8
	VendorID     uint16
	DeviceType   uint8
	NeedAck      uint8
	Timestamp    uint64 // milliseconds since epoch
}

// NewHeader creates a header for an outbound frame with the magic number and
// timestamp filled in. DataLength is set by Serialize.
func NewHeader(msgType int16, seq uint32, needAck bool) Header {
	h := Header{
		Magic:       MagicNumber,
		MessageType: msgType,
		Sequence:    seq,
		DataFormat:  FormatJSON,
		Timestamp:   uint64(time.Now().UnixMilli()),
	}
	if needAck {
		h.NeedAck = 1
	}
	return h
}

// AppendBytes appends the packed header to dst and returns the extended slice.
func (h Header) AppendBytes(dst []byte) []byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.MessageType))
	binary.BigEndian.PutUint32(buf[6:10], h.Sequence)
	binary.BigEndian.PutUint32(buf[10:14], h.DataLength)
	buf[14] = h.ProtoVersion
	buf[15] = h.DataFormat
	binary.BigEndian.PutUint16(buf[16:18], h.VendorID)
	buf[18] = h.DeviceType
	buf[19] = h.NeedAck
	binary.BigEndian.PutUint64(buf[20:28], h.Timestamp)

	return append(dst, buf[:]...)
}

// ParseHeader attempts to parse a header from the start of data.
// It returns false when data is shorter than HeaderSize or the magic number
// does not match.
func ParseHeader(data []byte) (Header, bool) {
	if len(data) < HeaderSize {
		return Header{}, false
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != MagicNumber {
		return Header{}, false
	}

	h := Header{
		Magic:        magic,
		MessageType:  int16(binary.BigEndian.Uint16(data[4:6])),
		Sequence:     binary.BigEndian.Uint32(data[6:10]),
		DataLength:   binary.BigEndian.Uint32(data[10:14]),
		ProtoVersion: data[14],
		DataFormat:   data[15],
		VendorID:     binary.BigEndian.Uint16(data[16:18]),
		DeviceType:   data[18],
		NeedAck:      data[19],
		Timestamp:    binary.BigEndian.Uint64(data[20:28]),
	}

	return h, true
}

// WantsAck reports whether the sender of this frame expects a correlated ACK.
func (h Header) WantsAck() bool { return h.NeedAck != 0 }

// Message is a decoded frame: its header plus the raw body bytes.
type Message struct {
	Header Header
	Body   []byte
}

// Type returns the message type of the frame.
func (m *Message) Type() int16 { return m.Header.MessageType }

// Sequence returns the correlator key of the frame.
func (m *Message) Sequence() uint32 { return m.Header.Sequence }
