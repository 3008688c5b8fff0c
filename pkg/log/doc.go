// Package log provides the structured logging abstraction used by the
// transport, relay and consumer packages.
//
// Components accept a Logger and never a concrete logging library, so they
// can be embedded in other programs. A zerolog-backed adapter and a no-op
// logger are provided:
//
//	logger := log.NewZerologAdapter(zerolog.InfoLevel)
//	srv, err := relay.New(cfg, relay.WithLogger(logger))
//
// Per-packet events (drops, malformed datagrams) are logged at Debug or Warn
// so that a busy stream does not flood the console at Info.
package log
