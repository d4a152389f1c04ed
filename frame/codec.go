package frame

// Serialize builds the wire representation of a frame. The header's DataLength is
// set to len(body) regardless of its incoming value, preserving the invariant
// DataLength == len(body).
func Serialize(h Header, body []byte) []byte {
	h.DataLength = uint32(len(body))

	buf := make([]byte, 0, HeaderSize+len(body))
	buf = h.AppendBytes(buf)
	buf = append(buf, body...)

	return buf
}

// Codec accumulates raw bytes from a connection and extracts complete frames.
//
// It resynchronizes on malformed input: whenever the buffer head does not hold a
// valid header (bad magic, or a DataLength beyond MaxBodySize), one byte is dropped
// and scanning resumes. A reader loop therefore never crashes on garbage; it only
// skips it.
//
// Codec is not goroutine-safe; it is owned by the single receiver goroutine of a
// connection.
type Codec struct {
	buf []byte
}

// NewCodec creates an empty Codec.
func NewCodec() *Codec {
	return &Codec{buf: make([]byte, 0, 4096)}
}

// Feed appends raw bytes received from the transport.
func (c *Codec) Feed(data []byte) {
	c.buf = append(c.buf, data...)
}

// Buffered returns the number of bytes currently held.
func (c *Codec) Buffered() int { return len(c.buf) }

// Reset drops all buffered bytes. Called when the underlying connection is replaced
// so that a partial frame from the old connection cannot prefix the new stream.
func (c *Codec) Reset() { c.buf = c.buf[:0] }

// Next extracts the next complete frame from the buffer.
// It returns (nil, false) when more bytes are needed.
//
// The body slice is copied out of the internal buffer, so it remains valid after
// subsequent Feed calls.
func (c *Codec) Next() (*Message, bool) {
	for {
		if len(c.buf) < HeaderSize {
			return nil, false
		}

		h, ok := ParseHeader(c.buf)
		if !ok || h.DataLength > MaxBodySize {
			// resynchronize: drop one byte and rescan
			c.buf = c.buf[1:]
			continue
		}

		frameLen := HeaderSize + int(h.DataLength)
		if len(c.buf) < frameLen {
			return nil, false
		}

		body := make([]byte, h.DataLength)
		copy(body, c.buf[HeaderSize:frameLen])
		c.advance(frameLen)

		return &Message{Header: h, Body: body}, true
	}
}

// advance removes n consumed bytes from the head of the buffer, reusing the
// underlying array.
func (c *Codec) advance(n int) {
	remain := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:remain]
}
