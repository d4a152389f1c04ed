package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeParse(t *testing.T) {
	require := require.New(t)

	body := []byte(`{"deviceNo":"dws-1","deviceStatus":0}`)
	h := NewHeader(TypeHeartbeat, 42, true)
	h.ProtoVersion = 1
	h.VendorID = 7
	h.DeviceType = 2

	buf := Serialize(h, body)
	require.Len(buf, HeaderSize+len(body))

	parsed, ok := ParseHeader(buf)
	require.True(ok)
	require.Equal(MagicNumber, parsed.Magic)
	require.Equal(TypeHeartbeat, parsed.MessageType)
	require.Equal(uint32(42), parsed.Sequence)
	require.Equal(uint32(len(body)), parsed.DataLength)
	require.Equal(uint8(1), parsed.ProtoVersion)
	require.Equal(FormatJSON, parsed.DataFormat)
	require.Equal(uint16(7), parsed.VendorID)
	require.Equal(uint8(2), parsed.DeviceType)
	require.True(parsed.WantsAck())
}

func TestSerializeForcesDataLength(t *testing.T) {
	require := require.New(t)

	h := NewHeader(TypeUpload, 1, true)
	h.DataLength = 9999 // must be overwritten

	body := []byte("abc")
	buf := Serialize(h, body)

	parsed, ok := ParseHeader(buf)
	require.True(ok)
	require.Equal(uint32(3), parsed.DataLength)
}

func TestCodecFrameExtraction(t *testing.T) {
	t.Run("single frame", func(t *testing.T) {
		require := require.New(t)

		body := []byte(`{"weight":1.5}`)
		buf := Serialize(NewHeader(TypeUpload, 7, true), body)

		c := NewCodec()
		c.Feed(buf)

		msg, ok := c.Next()
		require.True(ok)
		require.Equal(TypeUpload, msg.Type())
		require.Equal(uint32(7), msg.Sequence())
		require.Equal(body, msg.Body)

		_, ok = c.Next()
		require.False(ok)
		require.Zero(c.Buffered())
	})

	t.Run("partial feeds", func(t *testing.T) {
		require := require.New(t)

		body := []byte(`{"sequence":3,"success":true,"packageId":11}`)
		buf := Serialize(NewHeader(TypeUploadResult, 3, false), body)

		c := NewCodec()
		for _, b := range buf[:len(buf)-1] {
			c.Feed([]byte{b})
			_, ok := c.Next()
			require.False(ok)
		}

		c.Feed(buf[len(buf)-1:])
		msg, ok := c.Next()
		require.True(ok)
		require.Equal(body, msg.Body)
	})

	t.Run("multiple frames in one feed", func(t *testing.T) {
		require := require.New(t)

		first := Serialize(NewHeader(TypeHeartbeat, 1, true), []byte("a"))
		second := Serialize(NewHeader(TypeHeartbeat, 2, true), []byte("bb"))

		c := NewCodec()
		c.Feed(append(first, second...))

		msg, ok := c.Next()
		require.True(ok)
		require.Equal(uint32(1), msg.Sequence())

		msg, ok = c.Next()
		require.True(ok)
		require.Equal(uint32(2), msg.Sequence())
		require.Equal([]byte("bb"), msg.Body)
	})
}

func TestCodecResync(t *testing.T) {
	t.Run("garbage prefix", func(t *testing.T) {
		require := require.New(t)

		body := []byte(`{"deviceNo":"dws-1","code":0}`)
		buf := Serialize(NewHeader(AckOf(TypeHeartbeat), 5, false), body)

		garbage := []byte{0x00, 0xFF, 0x48, 0x59, 0x12, 0x34, 0x56}

		c := NewCodec()
		c.Feed(append(garbage, buf...))

		msg, ok := c.Next()
		require.True(ok)
		require.Equal(AckOf(TypeHeartbeat), msg.Type())
		require.Equal(body, msg.Body)
	})

	t.Run("oversized length treated as garbage", func(t *testing.T) {
		require := require.New(t)

		bad := NewHeader(TypeUpload, 1, true)
		bad.DataLength = MaxBodySize + 1
		badHdr := bad.AppendBytes(nil)

		good := Serialize(NewHeader(TypeUpload, 2, true), []byte("ok"))

		c := NewCodec()
		c.Feed(append(badHdr, good...))

		msg, ok := c.Next()
		require.True(ok)
		require.Equal(uint32(2), msg.Sequence())
		require.Equal([]byte("ok"), msg.Body)
	})

	t.Run("pure garbage yields nothing", func(t *testing.T) {
		require := require.New(t)

		c := NewCodec()
		c.Feed(make([]byte, 256))

		_, ok := c.Next()
		require.False(ok)
	})
}

func TestCodecReset(t *testing.T) {
	require := require.New(t)

	c := NewCodec()
	c.Feed(Serialize(NewHeader(TypeHeartbeat, 1, true), []byte("x"))[:10])
	require.NotZero(c.Buffered())

	c.Reset()
	require.Zero(c.Buffered())

	// a fresh frame after reset decodes cleanly
	c.Feed(Serialize(NewHeader(TypeHeartbeat, 2, true), []byte("y")))
	msg, ok := c.Next()
	require.True(ok)
	require.Equal(uint32(2), msg.Sequence())
}

func TestAckTypeMapping(t *testing.T) {
	require := require.New(t)

	require.Equal(int16(1001), AckOf(TypeHeartbeat))
	require.Equal(TypeUpload, ReqOf(AckOf(TypeUpload)))
	require.True(IsAck(AckOf(TypeWCSReport)))
	require.False(IsAck(TypeUploadResult))
}
