package station

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parcelworks/dws-station/frame"
	"github.com/parcelworks/dws-station/plc"
)

func newTestPLCController(t *testing.T) *PLCController {
	t.Helper()

	cfg, err := plc.NewConfig("127.0.0.1", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, err := plc.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewPLCController(client)
}

func resultMessage(t *testing.T, res frame.UploadResult) *frame.Message {
	t.Helper()

	body, err := frame.EncodeBody(res)
	require.NoError(t, err)

	return &frame.Message{Header: frame.NewHeader(frame.TypeUploadResult, 50, true), Body: body}
}

func TestPLCControllerResultCorrelation(t *testing.T) {
	require := require.New(t)

	c := newTestPLCController(t)

	done := make(chan frame.UploadResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		res, err := c.WaitResult(ctx, 7)
		if err == nil {
			done <- res
		}
	}()

	// let the waiter register before pushing the result
	require.Eventually(func() bool { return c.waiters.Size() == 1 }, time.Second, 5*time.Millisecond)

	code := c.handleResult(resultMessage(t, frame.UploadResult{Sequence: 7, Success: true, PackageID: 4821}))
	require.Equal(frame.CodeSuccess, code)

	select {
	case res := <-done:
		require.True(res.Success)
		require.Equal(int64(4821), res.PackageID)
	case <-time.After(time.Second):
		t.Fatal("result never delivered")
	}

	// the waiter registration is gone after delivery
	require.Eventually(func() bool { return c.waiters.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPLCControllerResultWithoutWaiter(t *testing.T) {
	require := require.New(t)

	c := newTestPLCController(t)

	// an unmatched result is still acknowledged; it is logged and dropped
	code := c.handleResult(resultMessage(t, frame.UploadResult{Sequence: 99, Success: true}))
	require.Equal(frame.CodeSuccess, code)
}

func TestPLCControllerWaitResultCancellation(t *testing.T) {
	require := require.New(t)

	c := newTestPLCController(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.WaitResult(ctx, 7)
	require.ErrorIs(err, context.Canceled)
	require.Zero(c.waiters.Size())
}

func TestPLCControllerMalformedResult(t *testing.T) {
	require := require.New(t)

	c := newTestPLCController(t)

	msg := &frame.Message{Header: frame.NewHeader(frame.TypeUploadResult, 50, true), Body: []byte("not json")}
	require.Equal(frame.CodeFailure, c.handleResult(msg))
}

func TestPLCControllerResultBeforeWaiter(t *testing.T) {
	require := require.New(t)

	c := newTestPLCController(t)

	// the result lands before anyone waits for it; it must be parked, not dropped
	code := c.handleResult(resultMessage(t, frame.UploadResult{Sequence: 7, Success: true, PackageID: 4821}))
	require.Equal(frame.CodeSuccess, code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := c.WaitResult(ctx, 7)
	require.NoError(err)
	require.True(res.Success)
	require.Equal(int64(4821), res.PackageID)

	// the parked entry is consumed, not left behind
	require.Zero(c.unclaimed.Size())

	// a second wait for the same sequence gets nothing
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	_, err = c.WaitResult(shortCtx, 7)
	require.ErrorIs(err, context.DeadlineExceeded)
}

// instantReplyDevice is a live fake Controller that answers an upload request with
// its ACK and the load result in a single TCP write, the tightest arrival the
// receive loop can see.
type instantReplyDevice struct {
	t  *testing.T
	ln net.Listener
}

func newInstantReplyDevice(t *testing.T) *instantReplyDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &instantReplyDevice{t: t, ln: ln}
	go d.serve()
	t.Cleanup(func() { _ = ln.Close() })

	return d
}

func (d *instantReplyDevice) port() int { return d.ln.Addr().(*net.TCPAddr).Port }

func (d *instantReplyDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}

		go d.serveConn(conn)
	}
}

func (d *instantReplyDevice) serveConn(conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	codec := frame.NewCodec()
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		codec.Feed(buf[:n])

		for {
			msg, ok := codec.Next()
			if !ok {
				break
			}

			switch msg.Type() {
			case frame.TypeHeartbeat:
				d.writeFrames(conn, d.frame(frame.AckOf(frame.TypeHeartbeat), msg.Sequence(),
					frame.Heartbeat{DeviceNo: "ctl-1", DeviceStatus: frame.DeviceStatusNormal}))

			case frame.TypeUpload:
				ack := d.frame(frame.AckOf(frame.TypeUpload), msg.Sequence(),
					frame.UploadAck{DeviceNo: "ctl-1", Code: frame.CodeSuccess, Sequence: msg.Sequence()})
				result := d.frame(frame.TypeUploadResult, msg.Sequence()+1,
					frame.UploadResult{Sequence: msg.Sequence(), Success: true, PackageID: 4821})

				// ACK and result in one segment
				d.writeFrames(conn, append(ack, result...))
			}
		}
	}
}

func (d *instantReplyDevice) frame(msgType int16, seq uint32, v any) []byte {
	body, err := frame.EncodeBody(v)
	if err != nil {
		d.t.Errorf("encode body: %v", err)
		return nil
	}

	return frame.Serialize(frame.NewHeader(msgType, seq, false), body)
}

func (d *instantReplyDevice) writeFrames(conn net.Conn, buf []byte) {
	if _, err := conn.Write(buf); err != nil {
		d.t.Errorf("write frames: %v", err)
	}
}

func TestPLCControllerResultInSameSegmentAsAck(t *testing.T) {
	require := require.New(t)

	device := newInstantReplyDevice(t)

	cfg, err := plc.NewConfig("127.0.0.1", device.port())
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, err := plc.NewClient(ctx, cfg)
	require.NoError(err)
	t.Cleanup(func() { _ = client.Close() })

	ctrl := NewPLCController(client)

	require.NoError(client.Open(false))
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(client.WaitConnected(waitCtx))

	ack, err := ctrl.Upload(ctx, frame.UploadRequest{Barcode: "PKG-1", Weight: 1.5})
	require.NoError(err)
	require.True(ack.Accepted())

	// the result arrived glued to the ACK; the wait must still find it
	resCtx, resCancel := context.WithTimeout(ctx, 2*time.Second)
	defer resCancel()

	res, err := ctrl.WaitResult(resCtx, ack.Sequence)
	require.NoError(err)
	require.True(res.Success)
	require.Equal(int64(4821), res.PackageID)
}
