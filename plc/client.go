package plc

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parcelworks/dws-station/frame"
	"github.com/parcelworks/dws-station/internal/pool"
	"github.com/parcelworks/dws-station/logger"
)

// MessageHandler processes an unsolicited request frame pushed by the remote device.
// The returned code is sent back in the correlated ACK when the frame requests one
// (frame.CodeSuccess to acknowledge, any other value to report failure).
//
// Handlers run on the receiver goroutine; long-running work must be handed off.
type MessageHandler func(msg *frame.Message) int

// ConnChangeHandler is invoked when the client connects or disconnects.
type ConnChangeHandler func(connected bool)

// outMessage is a serialized frame queued for the sender task.
type outMessage struct {
	seq     uint32
	needAck bool
	buf     []byte
}

// pendingReply tracks one outstanding request awaiting its ACK.
//
// The generation pins the reply to the connection the request was sent on: a frame
// surfacing from a superseded connection cannot resolve a future created after
// reconnect.
type pendingReply struct {
	gen uint64
	ch  chan *frame.Message // buffered 1; nil delivery means "look up replyErrs"
}

// Client is a reconnecting framed-protocol client.
//
// It owns one dialed TCP connection at a time, correlates ACK frames to outstanding
// requests by sequence number, heartbeats the remote device, and reconnects with
// exponential backoff when the link drops.
type Client struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *Config
	logger    logger.Logger

	conn      net.Conn
	connMutex sync.Mutex

	stateMgr *ConnStateMgr
	taskMgr  *TaskManager
	shutdown atomic.Bool

	seq atomic.Uint32 // per-connection sequence counter, wraps to 1
	gen atomic.Uint64 // connection generation

	senderMsgChan chan outMessage
	pending       *xsync.MapOf[uint32, *pendingReply]
	replyErrs     *xsync.MapOf[uint32, error]

	handlerMu          sync.RWMutex
	handlers           map[int16]MessageHandler
	connChangeHandlers []ConnChangeHandler

	deviceStatus atomic.Int64
	lastRecv     atomic.Int64 // unix nano of the last received byte

	reconnectScheduled atomic.Bool
	reconnectGen       atomic.Uint64
	retryDelay         time.Duration // owned by the state change task

	metrics ClientMetrics
}

// NewClient creates a new protocol client with the given context and configuration.
// Returns an error if the configuration is invalid.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	c := &Client{
		pctx:          ctx,
		cfg:           cfg,
		logger:        cfg.logger,
		senderMsgChan: make(chan outMessage, cfg.senderQueueSize),
		pending:       xsync.NewMapOf[uint32, *pendingReply](),
		replyErrs:     xsync.NewMapOf[uint32, error](),
		handlers:      make(map[int16]MessageHandler),
		taskMgr:       NewTaskManager(ctx, cfg.logger),
		retryDelay:    cfg.reconnectBase,
	}

	c.createContext()
	c.deviceStatus.Store(int64(frame.DeviceStatusNormal))
	c.stateMgr = NewConnStateMgr(ctx, cfg.logger, c.connStateHandler, c.heartbeatConnStateHandler)

	return c, nil
}

// Open starts the connection process.
// If waitConnected is true, it blocks until the connection is established or the
// parent context is done. If waitConnected is false, it returns immediately after
// scheduling the first dial.
func (c *Client) Open(waitConnected bool) error {
	c.shutdown.Store(false)
	c.stateMgr.ToConnectingAsync()

	if waitConnected {
		return c.stateMgr.WaitState(c.pctx, ConnectedState)
	}

	return nil
}

// Close shuts the client down: no further reconnects are attempted and every pending
// request is resolved with ErrConnClosed.
func (c *Client) Close() error {
	c.shutdown.Store(true)
	c.reconnectGen.Add(1) // kill any scheduled reconnect
	c.stateMgr.ToDisconnected()

	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnState { return c.stateMgr.State() }

// IsConnected reports whether the client is currently connected.
func (c *Client) IsConnected() bool { return c.stateMgr.IsConnected() }

// WaitConnected blocks until the client reaches the connected state or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.stateMgr.WaitState(ctx, ConnectedState)
}

// DeviceStatus returns the remote device status most recently observed in a
// heartbeat ACK. The upload path gates on this value without contacting the device.
func (c *Client) DeviceStatus() int {
	return int(c.deviceStatus.Load())
}

// GetMetrics returns the metrics associated with the client.
func (c *Client) GetMetrics() *ClientMetrics { return &c.metrics }

// GetLogger returns the logger associated with the client.
func (c *Client) GetLogger() logger.Logger { return c.logger }

// OnMessage registers the handler for unsolicited request frames of the given type.
// Registering for a type again replaces the previous handler.
func (c *Client) OnMessage(msgType int16, handler MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[msgType] = handler
}

// OnConnectionChange registers a handler invoked when the client connects or
// disconnects.
//
// Note: the handler runs on the state transition path in blocking mode. Take care
// with long-running implementations.
func (c *Client) OnConnectionChange(handler ConnChangeHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.connChangeHandlers = append(c.connChangeHandlers, handler)
}

// Send transmits a request frame and, when needAck is set, waits for the correlated
// ACK. On reply timeout or I/O error the full send is retried up to the configured
// attempt count, each retry after the configured backoff. Exhausting the attempts
// returns the last error with the pending entry removed.
//
// Send never blocks the connection lifecycle: disconnects resolve the wait with
// ErrConnClosed.
func (c *Client) Send(msgType int16, body []byte, needAck bool) (*frame.Message, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.sendAttempts; attempt++ {
		if c.shutdown.Load() {
			return nil, ErrShutdown
		}

		reply, err := c.exchange(msgType, body, needAck)
		if err == nil {
			return reply, nil
		}

		lastErr = err
		c.logger.Warn("send attempt failed",
			"type", msgType, "attempt", attempt, "maxAttempts", c.cfg.sendAttempts, "error", err,
		)

		if attempt == c.cfg.sendAttempts {
			break
		}

		backoff := pool.GetTimer(c.cfg.retryBackoff)
		select {
		case <-c.pctx.Done():
			pool.PutTimer(backoff)
			return nil, ErrShutdown
		case <-backoff.C:
		}
		pool.PutTimer(backoff)
	}

	return nil, lastErr
}

// exchange performs one send attempt: assign a sequence, frame the body, enqueue it
// and, when needAck is set, await the matching ACK with the per-call reply timeout.
func (c *Client) exchange(msgType int16, body []byte, needAck bool) (*frame.Message, error) {
	if !c.stateMgr.IsConnected() {
		return nil, ErrNotConnected
	}

	seq := c.nextSeq()

	if !needAck {
		return nil, c.enqueue(msgType, seq, false, body)
	}

	connCtx := c.connContext()

	p := &pendingReply{gen: c.gen.Load(), ch: make(chan *frame.Message, 1)}
	c.pending.Store(seq, p)
	c.metrics.incMsgInflightCount()
	defer c.metrics.decMsgInflightCount()

	if err := c.enqueue(msgType, seq, true, body); err != nil {
		c.removePending(seq)
		return nil, err
	}

	replyTimer := pool.GetTimer(c.cfg.replyTimeout)
	defer pool.PutTimer(replyTimer)

	select {
	case <-connCtx.Done():
		c.removePending(seq)
		return nil, ErrConnClosed

	case <-replyTimer.C:
		c.removePending(seq)
		if err, ok := c.replyErrs.LoadAndDelete(seq); ok {
			return nil, err
		}

		return nil, ErrReplyTimeout

	case reply := <-p.ch:
		c.pending.Delete(seq)
		if reply == nil {
			// resolved with a failure; check the error side-map
			if err, ok := c.replyErrs.LoadAndDelete(seq); ok {
				return nil, err
			}

			return nil, ErrConnClosed
		}

		return reply, nil
	}
}

// CancelAll resolves every pending request with the given reason so no caller blocks
// forever. Called on disconnect.
func (c *Client) CancelAll(reason error) {
	c.pending.Range(func(seq uint32, p *pendingReply) bool {
		c.replyErrs.Store(seq, reason)
		select {
		case p.ch <- nil:
		default: // waiter already resolved or gone
		}

		if _, loaded := c.pending.LoadAndDelete(seq); !loaded {
			// the waiter removed its entry concurrently and will never consult
			// the error side-map; drop the orphaned entry
			c.replyErrs.Delete(seq)
		}

		return true
	})
}

// nextSeq returns the next per-connection sequence number, skipping 0 on wrap.
func (c *Client) nextSeq() uint32 {
	for {
		if seq := c.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

// removePending drops the pending entry and any stale error for seq.
func (c *Client) removePending(seq uint32) {
	c.pending.Delete(seq)
	c.replyErrs.Delete(seq)
}

// connContext returns the context of the current connection.
func (c *Client) connContext() context.Context {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	return c.ctx
}

// createContext creates a new context for the connection, derived from the parent
// context. Callers must hold connMutex or be the only goroutine touching the client.
func (c *Client) createContext() {
	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)
}

// enqueue frames the body and hands it to the sender task. The sequence is the
// caller's: requests use nextSeq, ACK replies echo the request sequence.
func (c *Client) enqueue(msgType int16, seq uint32, needAck bool, body []byte) error {
	h := frame.NewHeader(msgType, seq, needAck)
	h.ProtoVersion = c.cfg.protoVersion
	h.VendorID = c.cfg.vendorID
	h.DeviceType = c.cfg.deviceType

	buf := frame.Serialize(h, body)

	timer := pool.GetTimer(c.cfg.writeTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-timer.C:
		return ErrSendQueueFull
	case c.senderMsgChan <- outMessage{seq: seq, needAck: needAck, buf: buf}:
		return nil
	}
}

// senderTask writes queued frames to the connection. A write failure resolves the
// waiting sender (if any) and tears the connection down.
func (c *Client) senderTask(msg outMessage) bool {
	c.metrics.incMsgSendCount()

	err := c.writeFrame(msg.buf)
	if err != nil {
		c.metrics.incMsgErrCount()
		if msg.needAck {
			c.replyErrToSender(msg.seq, err)
		}

		opErr := &net.OpError{}
		if !errors.As(err, &opErr) {
			c.logger.Error("failed to write frame", "method", "senderTask", "error", err)
		}

		c.stateMgr.ToDisconnectedAsync()

		return false
	}

	return true
}

// writeFrame writes one serialized frame with the configured write deadline.
func (c *Client) writeFrame(buf []byte) error {
	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
		return err
	}

	_, err := conn.Write(buf)

	return err
}

// replyErrToSender resolves the pending entry for seq with err.
func (c *Client) replyErrToSender(seq uint32, err error) {
	if p, ok := c.pending.Load(seq); ok {
		c.replyErrs.Store(seq, err)
		select {
		case p.ch <- nil:
		default:
		}
	}
}

// cancelReceiverTask tears the connection down when the receiver loop exits.
func (c *Client) cancelReceiverTask() {
	c.stateMgr.ToDisconnectedAsync()
}

// receiverTask reads raw bytes from conn and feeds them through the codec. Frames are
// dispatched tagged with the generation of the connection they arrived on.
func (c *Client) receiverTask(conn net.Conn, codec *frame.Codec, gen uint64, readBuf []byte) bool {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.idleTimeout)); err != nil {
		return false
	}

	n, err := conn.Read(readBuf)
	if err != nil {
		if err != io.EOF && !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "connection reset by peer") {
			c.logger.Error("failed to read from connection", "method", "receiverTask", "error", err)
		}

		return false
	}

	c.lastRecv.Store(time.Now().UnixNano())
	codec.Feed(readBuf[:n])

	for {
		msg, ok := codec.Next()
		if !ok {
			break
		}
		c.handleFrame(msg, gen)
	}

	return true
}

// handleFrame routes one received frame: ACK frames resolve pending requests,
// request frames are dispatched to the registered handler and ACKed with the same
// sequence when asked to.
func (c *Client) handleFrame(msg *frame.Message, gen uint64) {
	c.metrics.incMsgRecvCount()

	if frame.IsAck(msg.Type()) {
		if !c.resolvePending(msg, gen) {
			// unmatched ACKs are logged and dropped; no retry side effects
			c.logger.Warn("unmatched ack dropped", "type", msg.Type(), "seq", msg.Sequence())
		}

		return
	}

	code := c.dispatch(msg)

	if msg.Header.WantsAck() {
		body, err := frame.EncodeBody(frame.Ack{DeviceNo: c.cfg.deviceNo, Code: code})
		if err != nil {
			c.logger.Error("failed to encode ack body", "error", err)
			return
		}

		// reply carries the request's own sequence
		if err := c.enqueue(frame.AckOf(msg.Type()), msg.Sequence(), false, body); err != nil {
			c.logger.Error("failed to enqueue ack", "type", msg.Type(), "seq", msg.Sequence(), "error", err)
		}
	}
}

// resolvePending delivers an ACK frame to the matching pending request, refusing
// frames whose connection generation does not match the pending entry.
func (c *Client) resolvePending(msg *frame.Message, gen uint64) bool {
	p, ok := c.pending.Load(msg.Sequence())
	if !ok || p.gen != gen {
		return false
	}

	select {
	case p.ch <- msg:
		return true
	default:
		return false
	}
}

// dispatch hands an unsolicited request frame to its registered handler.
func (c *Client) dispatch(msg *frame.Message) int {
	c.handlerMu.RLock()
	handler, ok := c.handlers[msg.Type()]
	c.handlerMu.RUnlock()

	if !ok {
		c.logger.Warn("no handler for message type", "type", msg.Type(), "seq", msg.Sequence())
		return frame.CodeFailure
	}

	return handler(msg)
}

// connStateHandler drives the connection lifecycle on state transitions.
func (c *Client) connStateHandler(prevState ConnState, curState ConnState) {
	c.logger.Debug("connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case ConnectingState:
		c.dialRemote()

	case ConnectedState:
		// reset backoff upon successful connection
		c.retryDelay = c.cfg.reconnectBase
		c.metrics.resetConnRetryGauge()
		c.notifyConnChange(true)

	case DisconnectedState:
		c.closeConn(c.cfg.closeTimeout)

		if prevState.IsConnected() {
			c.notifyConnChange(false)
		}

		if !c.shutdown.Load() {
			delay := c.retryDelay
			c.logger.Debug("disconnected, schedule reconnect", "delay", delay)

			if c.scheduleReconnect(delay) {
				// exponential backoff capped at the configured maximum
				nextDelay := delay * 2
				if nextDelay > c.cfg.reconnectMax {
					nextDelay = c.cfg.reconnectMax
				}
				c.retryDelay = nextDelay
			}
		}
	}
}

// heartbeatConnStateHandler starts the heartbeat interval task once connected.
// The task terminates on its own when the connection context is canceled.
func (c *Client) heartbeatConnStateHandler(_ ConnState, curState ConnState) {
	if !curState.IsConnected() {
		return
	}

	if _, err := c.taskMgr.StartInterval("heartbeatTask", c.heartbeatTask, c.cfg.heartbeatInterval, false); err != nil {
		c.logger.Error("failed to start heartbeat task", "error", err)
		c.stateMgr.ToDisconnectedAsync()
	}
}

// heartbeatTask sends one heartbeat round-trip and records the remote device status
// from the ACK. A failed round-trip or a silent read window tears the connection down.
func (c *Client) heartbeatTask() bool {
	if time.Since(time.Unix(0, c.lastRecv.Load())) > c.cfg.idleTimeout {
		c.metrics.incHeartbeatErrCount()
		c.logger.Warn("no bytes received within idle window", "idleTimeout", c.cfg.idleTimeout)
		c.stateMgr.ToDisconnectedAsync()

		return false
	}

	body, err := frame.EncodeBody(frame.Heartbeat{
		DeviceNo:     c.cfg.deviceNo,
		DeviceStatus: frame.DeviceStatusNormal,
	})
	if err != nil {
		c.logger.Error("failed to encode heartbeat body", "error", err)
		return false
	}

	c.metrics.incHeartbeatSendCount()

	reply, err := c.exchange(frame.TypeHeartbeat, body, true)
	if err != nil {
		// connection already torn down, stop quietly
		if errors.Is(err, ErrConnClosed) || errors.Is(err, ErrNotConnected) || c.shutdown.Load() {
			return false
		}

		c.metrics.incHeartbeatErrCount()
		c.logger.Error("heartbeat round-trip failed", "error", err)
		c.stateMgr.ToDisconnectedAsync()

		return false
	}

	var hb frame.Heartbeat
	if err := frame.DecodeBody(reply, &hb); err != nil {
		c.metrics.incHeartbeatErrCount()
		c.logger.Warn("malformed heartbeat ack body", "error", err)

		return true
	}

	c.deviceStatus.Store(int64(hb.DeviceStatus))
	c.metrics.incHeartbeatRecvCount()

	return true
}

// dialRemote dials the remote device and starts the per-connection tasks.
func (c *Client) dialRemote() {
	address := net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}

	dialCtx, cancel := context.WithTimeout(c.pctx, c.cfg.connectTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		c.logger.Debug("failed to dial remote", "address", address, "error", err)
		c.metrics.incConnRetryGauge()
		c.stateMgr.ToDisconnectedAsync()

		return
	}

	if c.shutdown.Load() {
		_ = conn.Close()
		return
	}

	c.setupConn(conn)

	if err := c.startConnTasks(conn); err != nil {
		c.logger.Error("failed to start connection tasks", "error", err)
		c.stateMgr.ToDisconnectedAsync()

		return
	}

	c.logger.Info("connected to remote",
		"address", address,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	c.stateMgr.ToConnectedAsync()
}

// setupConn installs the new connection: fresh context, bumped generation, sequence
// counter restarted at zero (next assigned sequence is 1).
func (c *Client) setupConn(conn net.Conn) {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	c.conn = conn
	c.createContext()
	c.gen.Add(1)
	c.seq.Store(0)
	c.lastRecv.Store(time.Now().UnixNano())
}

// startConnTasks starts the sender and receiver goroutines for the new connection.
func (c *Client) startConnTasks(conn net.Conn) error {
	if err := c.taskMgr.StartSender("senderTask", c.senderTask, nil, c.senderMsgChan); err != nil {
		return err
	}

	gen := c.gen.Load()
	codec := frame.NewCodec()
	readBuf := make([]byte, 4096)

	return c.taskMgr.Start("receiverTask", func() bool {
		return c.receiverTask(conn, codec, gen, readBuf)
	}, c.cancelReceiverTask)
}

// closeConn performs the actual connection closing process with a timeout.
// It cancels the connection context, stops the task manager, closes the TCP
// connection, resolves all pending requests, and waits for the goroutines to
// terminate.
func (c *Client) closeConn(timeout time.Duration) {
	c.logger.Debug("start closeConn process")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.connMutex.Lock()
	if c.ctxCancel != nil {
		c.ctxCancel()
	}
	c.connMutex.Unlock()

	c.taskMgr.Stop()

	c.connMutex.Lock()
	if c.conn != nil {
		if tcpConn, ok := c.conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0) // force close
		}
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close TCP connection", "method", "closeConn", "error", err)
		}
		c.conn = nil
	}
	c.connMutex.Unlock()

	// frames queued for the dead connection must not leak onto the next one with
	// their stale sequences
	c.drainSenderQueue()

	// resolve every request that still waits for a reply
	c.CancelAll(ErrConnClosed)

	done := make(chan struct{})
	go func() {
		c.taskMgr.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Debug("close success", "method", "closeConn")
	case <-ctx.Done():
		c.logger.Error("close timeout", "method", "closeConn", "timeout", timeout)
	}
}

// drainSenderQueue discards every frame still queued for the torn-down connection,
// resolving the senders that await an ACK. Called after the sender task has stopped.
func (c *Client) drainSenderQueue() {
	for {
		select {
		case msg := <-c.senderMsgChan:
			if msg.needAck {
				c.replyErrToSender(msg.seq, ErrConnClosed)
			}
		default:
			return
		}
	}
}

// scheduleReconnect arms a one-shot reconnect attempt after delay plus jitter.
// Returns false when shutdown is in progress or an attempt is already scheduled.
func (c *Client) scheduleReconnect(delay time.Duration) bool {
	if delay <= 0 {
		delay = c.cfg.reconnectBase
	}
	if c.shutdown.Load() {
		return false
	}
	if !c.reconnectScheduled.CompareAndSwap(false, true) {
		return false
	}

	gen := c.reconnectGen.Load()
	delay += rand.N(delay/4 + 1) // jitter to avoid thundering reconnects

	// Never block the connection state manager handler.
	// NOTE: Do NOT use c.ctx here. c.ctx is canceled by closeConn() on disconnect,
	// but we still want reconnect scheduling to work after disconnects.
	go func(ctx context.Context, d time.Duration, g uint64) {
		defer c.reconnectScheduled.Store(false)

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if c.reconnectGen.Load() != g {
				return
			}
			if c.shutdown.Load() {
				return
			}
			c.stateMgr.ToConnectingAsync()
		}
	}(c.pctx, delay, gen)

	return true
}

// notifyConnChange invokes the registered connectivity handlers.
func (c *Client) notifyConnChange(connected bool) {
	c.handlerMu.RLock()
	handlers := make([]ConnChangeHandler, len(c.connChangeHandlers))
	copy(handlers, c.connChangeHandlers)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		if handler != nil {
			handler(connected)
		}
	}
}
