// Package rpc provides the network layer of the kvasir key-value store.
// It acts as the communication layer between clients and servers, enabling
// store operations across network boundaries.
//
// The package is organized into several subpackages:
//
//   - proto: The binary wire protocol, including request/response framing,
//     opcode and status definitions, and payload encoding.
//
//   - server: The TCP server that accepts client connections, decodes
//     requests and dispatches them against the storage engine.
//
//   - client: A connection-oriented client that speaks the wire protocol
//     and exposes typed methods for every store operation.
//
//   - common: Shared configuration structures and logging setup used by
//     the server command.
package rpc
