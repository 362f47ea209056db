// Package proto defines the wire contract between the rendezvous server and
// the per-language client shims.
//
// The channel is a local Unix domain socket carrying newline-delimited JSON:
// one UTF-8 encoded JSON object per line, request/response, never pipelined.
// The first line on a connection is an Init message declaring the program's
// identity; every subsequent client line is a BarrierRequest and every server
// line a BarrierResponse.
//
// Variable values are typed. The JSON encoding is the cross-language
// boundary, so the type discrimination rules are fixed:
//
//   - quoted text        -> String
//   - true / false       -> Bool
//   - bare number with a fraction or exponent -> Double
//   - bare number otherwise                   -> Int (64-bit)
//   - array of integer literals               -> IntVector
//   - array with any fractional element       -> DoubleVector (all elements
//     promoted to double)
//
// null, nested objects, and arrays with non-numeric elements have no
// comparable meaning and are rejected as malformed.
package proto
