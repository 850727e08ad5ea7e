// Package register implements a CASPaxos register: a single replicated slot
// whose value changes only through update functions applied to the last
// committed value. The same rounds carry membership changes, so the set of
// replicas backing a register can grow or shrink one replica at a time while
// it stays available.
package register
