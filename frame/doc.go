// Package frame implements the framed binary envelope shared by the Controller and
// WCS links of the station control-plane.
//
// A frame is a fixed 28-byte header followed by a variable-length body. The header
// starts with a magic number used as the resynchronization anchor: a receiver that
// finds itself mid-stream discards one byte at a time until a valid header alignment
// is found again. All multi-byte header fields are big-endian.
//
// Request message types are below 1000; the ACK or result counterpart of a request
// type t is t + 1000. Bodies are JSON objects when the header's DataFormat field
// is FormatJSON.
//
// The package provides:
//   - Header packing and parsing (ParseHeader, Header.AppendBytes)
//   - Serialize for building outbound frames
//   - Codec, an accumulating decoder that turns a byte stream into frames,
//     resynchronizing on garbage input
//   - the JSON body types exchanged on both links
package frame
