// Package quorum provides the broadcast primitive shared by the log and
// register clients. It fans per-replica calls out concurrently, resolves the
// round by majority in completion order and reports quorum failures.
package quorum
