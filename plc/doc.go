// Package plc implements the reconnecting framed-protocol client used to talk to the
// package-handling Controller and, with a different endpoint and message set, to the
// WCS.
//
// A Client owns one dialed TCP connection at a time and multiplexes request/ACK
// exchanges over it by sequence number. It provides:
//
//   - Send: sequence assignment, framing, bounded retry, and await-ACK with a
//     per-call timeout
//   - correlation of ACK frames to outstanding requests, and dispatch of unsolicited
//     request frames to registered handlers with a same-sequence ACK reply
//   - a periodic heartbeat that doubles as a liveness probe; a failed round-trip or
//     an idle read window tears the connection down
//   - reconnection with exponential backoff plus jitter, cancelling every pending
//     request atomically on disconnect so no caller blocks forever
//
// Connectivity changes are observable through OnConnectionChange, so upstream
// consumers react without polling.
package plc
