// Package lifecycle supervises the long-running services of a framerelay
// process and provides the retry backoff used by the transport handshake.
//
// # Usage
//
//	sup := lifecycle.NewSupervisor(logger, nil, server)
//	if err := sup.Run(ctx); err != nil {
//	    return err
//	}
//
// Run returns when ctx is canceled or a service returns. The first service to
// return cancels the others.
//
// # State Machine
//
// Valid state transitions:
//   - Stopped -> Starting
//   - Starting -> Running, Crashed
//   - Running -> Stopping, Crashed
//   - Stopping -> Stopped, Crashed
//   - Crashed -> Starting
package lifecycle
