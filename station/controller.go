package station

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parcelworks/dws-station/frame"
	"github.com/parcelworks/dws-station/logger"
	"github.com/parcelworks/dws-station/plc"
)

// unclaimedResultTTL bounds how long a result with no registered waiter is parked.
// The Controller may push the result in the same TCP segment as the upload ACK, so
// it can be dispatched before WaitResult has registered; parking bridges that gap.
const unclaimedResultTTL = 30 * time.Second

type unclaimedResult struct {
	res frame.UploadResult
	at  time.Time
}

// PLCController adapts a plc.Client to the Controller interface, adding correlation
// of asynchronous UploadResult pushes to the accepted sequence they answer.
type PLCController struct {
	client *plc.Client
	log    logger.Logger

	// waiters maps accepted upload sequence -> result delivery channel.
	waiters *xsync.MapOf[uint32, chan frame.UploadResult]

	// unclaimed parks results that arrived before their waiter registered.
	unclaimed *xsync.MapOf[uint32, unclaimedResult]
}

// NewPLCController wraps client and registers the UploadResult push handler on it.
func NewPLCController(client *plc.Client) *PLCController {
	c := &PLCController{
		client:    client,
		log:       client.GetLogger(),
		waiters:   xsync.NewMapOf[uint32, chan frame.UploadResult](),
		unclaimed: xsync.NewMapOf[uint32, unclaimedResult](),
	}
	client.OnMessage(frame.TypeUploadResult, c.handleResult)

	return c
}

// DeviceStatus returns the Controller's device status from the latest heartbeat ACK.
func (c *PLCController) DeviceStatus() int { return c.client.DeviceStatus() }

// Upload sends the upload negotiation request and decodes the Controller's ACK.
func (c *PLCController) Upload(ctx context.Context, req frame.UploadRequest) (frame.UploadAck, error) {
	if err := ctx.Err(); err != nil {
		return frame.UploadAck{}, err
	}

	body, err := frame.EncodeBody(req)
	if err != nil {
		return frame.UploadAck{}, err
	}

	reply, err := c.client.Send(frame.TypeUpload, body, true)
	if err != nil {
		return frame.UploadAck{}, err
	}

	var ack frame.UploadAck
	if err := frame.DecodeBody(reply, &ack); err != nil {
		return frame.UploadAck{}, err
	}

	// some controller firmwares omit the sequence from the body; the frame header
	// always carries it
	if ack.Sequence == 0 {
		ack.Sequence = reply.Sequence()
	}

	return ack, nil
}

// WaitResult blocks until the Controller pushes the load result for seq or ctx is
// done. A result that arrived before the call is consumed immediately. The waiter
// registration is removed on every exit path.
func (c *PLCController) WaitResult(ctx context.Context, seq uint32) (frame.UploadResult, error) {
	if u, ok := c.unclaimed.LoadAndDelete(seq); ok {
		return u.res, nil
	}

	ch := make(chan frame.UploadResult, 1)
	c.waiters.Store(seq, ch)
	defer c.waiters.Delete(seq)

	// handleResult may have parked the result between the first check and the
	// waiter registration; both sides re-check, so one of them always connects
	if u, ok := c.unclaimed.LoadAndDelete(seq); ok {
		return u.res, nil
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return frame.UploadResult{}, ctx.Err()
	}
}

// handleResult dispatches a pushed UploadResult to its registered waiter, parking
// it when the waiter has not registered yet.
func (c *PLCController) handleResult(msg *frame.Message) int {
	var res frame.UploadResult
	if err := frame.DecodeBody(msg, &res); err != nil {
		c.log.Error("malformed upload result", "error", err)
		return frame.CodeFailure
	}

	if c.deliver(res) {
		return frame.CodeSuccess
	}

	c.evictStaleResults()
	c.unclaimed.Store(res.Sequence, unclaimedResult{res: res, at: time.Now()})
	c.log.Debug("upload result parked awaiting its waiter", "sequence", res.Sequence)

	// the waiter may have registered between the delivery attempt and the park;
	// hand the parked result over if so
	if _, ok := c.waiters.Load(res.Sequence); ok {
		if u, ok := c.unclaimed.LoadAndDelete(res.Sequence); ok {
			c.deliver(u.res)
		}
	}

	return frame.CodeSuccess
}

// deliver hands res to its registered waiter, reporting whether one was found.
func (c *PLCController) deliver(res frame.UploadResult) bool {
	ch, ok := c.waiters.Load(res.Sequence)
	if !ok {
		return false
	}

	select {
	case ch <- res:
	default:
	}

	return true
}

// evictStaleResults drops parked results whose waiter never showed up.
func (c *PLCController) evictStaleResults() {
	now := time.Now()
	c.unclaimed.Range(func(seq uint32, u unclaimedResult) bool {
		if now.Sub(u.at) >= unclaimedResultTTL {
			c.unclaimed.Delete(seq)
			c.log.Warn("parked upload result expired unclaimed", "sequence", seq)
		}
		return true
	})
}
