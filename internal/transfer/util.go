package transfer

import (
	"context"
	"encoding/json"
)

func unmarshalJSON(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

// noCancel is used for rate-limiter waits that should never be aborted by
// a request-scoped context; the only cancellation signal here is the
// connection itself closing, which turns the next Write into an error.
func noCancel() context.Context {
	return context.Background()
}
