// Package service holds the order lifecycle decisions of the engine: which
// order to advance next, which repository transition a requested state
// change maps to, and how on-chain confirmations and reorgs are folded back
// into order state.
//
// Nothing here owns a goroutine. Every entry point is invoked by an
// external trigger and coordinates with concurrent workers only through the
// repository's conditional writes.
package service
