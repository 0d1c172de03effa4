// Package server implements the TCP front end of the key-value store.
// It accepts connections, decodes binary protocol frames, dispatches
// them against a shared engine and writes the response frames back.
//
// The package focuses on:
//   - One goroutine per connection, handling its requests strictly in
//     receipt order
//   - Translating engine results and errors into wire statuses at the
//     boundary, so internal faults never reach a client raw
//   - Connection bookkeeping for graceful shutdown and the INFO command
//
// Key Components:
//
//   - Server: owns the listener and the connection registry. New creates
//     it, Serve runs the accept loop, Close stops accepting, closes every
//     open connection and waits for the handlers to drain.
//
//   - dispatch: the single switch mapping each opcode to its engine call
//     and response payload shape.
//
// Usage Example:
//
//	e := engine.New(nil)
//	s := server.New(server.Options{BindAddress: ":2524"}, e)
//
//	go func() {
//	  if err := s.Serve(); err != nil {
//	    log.WithError(err).Fatal("server failed")
//	  }
//	}()
//	...
//	s.Close()
//
// Error Handling:
//
//	A framing error (bad length prefix, oversized payload) gets one
//	INVALID response and the connection is closed, since the stream can
//	no longer be trusted. A well-framed request that fails validation
//	gets INVALID and the connection stays usable. Engine-level errors
//	such as type mismatches become ERROR with a message.
//
// Thread Safety:
//
//	The engine is shared by all connections and is itself thread-safe.
//	Serve may be called once; Close is idempotent.
package server
