package plc

import (
	"sync/atomic"
)

// ClientMetrics contains atomic metrics for a protocol client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ClientMetrics struct {
	// HeartbeatSendCount indicates the number of heartbeat requests sent.
	HeartbeatSendCount atomic.Uint64
	// HeartbeatRecvCount indicates the number of heartbeat ACKs received.
	HeartbeatRecvCount atomic.Uint64
	// HeartbeatErrCount indicates the number of heartbeat failures.
	HeartbeatErrCount atomic.Uint64

	// MsgSendCount indicates the number of frames sent.
	MsgSendCount atomic.Uint64
	// MsgRecvCount indicates the number of frames received.
	MsgRecvCount atomic.Uint64
	// MsgErrCount indicates the number of frame errors.
	MsgErrCount atomic.Uint64
	// MsgInflightCount indicates the number of requests awaiting an ACK.
	MsgInflightCount atomic.Int64

	// ConnRetryGauge indicates the number of connection retries since the last
	// successful connect.
	ConnRetryGauge atomic.Uint32
}

func (m *ClientMetrics) incHeartbeatSendCount() { m.HeartbeatSendCount.Add(1) }
func (m *ClientMetrics) incHeartbeatRecvCount() { m.HeartbeatRecvCount.Add(1) }
func (m *ClientMetrics) incHeartbeatErrCount()  { m.HeartbeatErrCount.Add(1) }

func (m *ClientMetrics) incMsgSendCount() { m.MsgSendCount.Add(1) }
func (m *ClientMetrics) incMsgRecvCount() { m.MsgRecvCount.Add(1) }
func (m *ClientMetrics) incMsgErrCount()  { m.MsgErrCount.Add(1) }

func (m *ClientMetrics) incMsgInflightCount() { m.MsgInflightCount.Add(1) }
func (m *ClientMetrics) decMsgInflightCount() { m.MsgInflightCount.Add(-1) }

func (m *ClientMetrics) incConnRetryGauge()   { m.ConnRetryGauge.Add(1) }
func (m *ClientMetrics) resetConnRetryGauge() { m.ConnRetryGauge.Store(0) }
