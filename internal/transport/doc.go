// Package transport serves replicas over gRPC and provides client handles
// that satisfy the log and register replica contracts remotely.
//
// The services are described by hand-written service descriptors and carry
// their messages in the protobuf wire format through a codec registered
// under the "caspaxos" content subtype. A replica that fails a call is
// reported to the caller as codes.Unavailable.
package transport
