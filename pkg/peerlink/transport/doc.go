// Package transport implements the peerlink interfaces.
//
// GRPCListener and GRPCDialer carry each plane on its own bidirectional gRPC
// stream, so brokers and clients in different processes can talk to each
// other. MemoryNetwork connects listeners and dialers inside one process and
// is meant for tests and examples.
package transport
