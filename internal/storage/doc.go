// Package storage provides the replica side of the conditional-write
// contract: in-memory stores for tests and embedded use, and pebble-backed
// stores that survive restarts.
//
// Every store compares the exact (Proposal, Accepted) pair on
// compare-and-set and treats an absent slot as the empty state. Stores never
// interpret values; all protocol decisions are made by the clients.
package storage
