package interfaces

import "context"

// -----------------------------------------------------------------------------
// INetworkManager defines the contract for outbound HTTP requests.
// -----------------------------------------------------------------------------

type INetworkManager interface {

	// -----------------------------------------------------------------------------

	// Get performs one GET request to the specified URL with parameters.
	// Returns the body of a 200 response, or a *helpers.UpstreamError.
	Get(ctx context.Context, url string, params map[string]string) ([]byte, error)
}
