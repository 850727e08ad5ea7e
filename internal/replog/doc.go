// Package replog implements a replicated append-only log on top of dumb
// conditional-write replicas. Each index is decided by its own single-decree
// Paxos instance driven entirely by the writing client.
//
// A client that just committed index i may write i+1 in one round trip using
// the reserved proposal number 1. Reads that cannot prove a value committed
// write back, either completing a pending value or closing the slot with nil.
// A nil slot at index i means the log ends before i.
package replog
