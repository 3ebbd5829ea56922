package interfaces

// -----------------------------------------------------------------------------
// IServer is a long-running listener (HTTP API, gRPC health).
// -----------------------------------------------------------------------------

type IServer interface {

	// -----------------------------------------------------------------------------
	// Start blocks serving until Stop is called or the listener fails.
	Start() error

	// -----------------------------------------------------------------------------
	// Stop the server gracefully
	Stop() error
}
