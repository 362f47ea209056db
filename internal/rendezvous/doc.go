// Package rendezvous implements the barrier coordination core.
//
// Two (or more) programs connect over a local Unix socket, announce their
// identity, and then repeatedly report "I reached barrier B with these
// variables". The Coordinator holds each arrival until every expected
// participant reaches the same barrier, compares the reported snapshots,
// and releases all of them with a single verdict.
//
// ARCHITECTURE:
//
// One goroutine per connected session, all funneling into the Coordinator,
// which serializes every state mutation behind one mutex. A session's wait
// blocks only that session's goroutine: the waiter parks on the open
// round's one-shot done channel, so resolution is a broadcast (close), not
// a poll.
//
// Rounds are global: round N is the Nth barrier occurrence, and every
// tracked participant must reach round N before any participant can open
// round N+1. Literal equality of the barrier id within a round is required;
// a differing id means the programs have desynchronized and the run fails.
//
// Terminal round states all release their blocked callers:
//
//	WAITING -> MATCH | MISMATCH | TIMEOUT | PROTOCOL_ERROR | DISCONNECTED
//
// Every non-MATCH state is fatal to the run except MISMATCH when the
// Coordinator is configured to keep going; after a fatal state later
// arrivals are released immediately with an error verdict instead of
// blocking, so both programs can exit cleanly.
package rendezvous
