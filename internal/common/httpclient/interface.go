package httpclient

import (
	"context"

	"github.com/tansive/console/internal/query"
)

// HTTPClientInterface is the request surface consumed by the session store,
// the list controller and the CLI.
type HTTPClientInterface interface {
	// Send performs a request and classifies its outcome.
	Send(ctx context.Context, opts RequestOptions) (*Result, error)

	// Get sends a GET request with the given query.
	Get(ctx context.Context, path string, q query.Query) (*Result, error)

	// Post sends a POST request with a JSON body.
	Post(ctx context.Context, path string, body any) (*Result, error)
}

var _ HTTPClientInterface = &HTTPClient{}
