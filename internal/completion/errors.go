package completion

import "inferd/pkg/types"

// newError builds an OpenAI-shaped error body that also satisfies the HTTP
// layer's HTTPError interface.
func newError(message, errType string, code int, param string) *types.ErrorResponse {
	e := &types.ErrorResponse{
		Object:  "error",
		Message: message,
		Type:    errType,
		Code:    code,
	}
	if param != "" {
		e.Param = &param
	}
	return e
}

// invalidRequestError is a 400 with type invalid_request_error, optionally
// naming the offending parameter.
func invalidRequestError(message, param string) *types.ErrorResponse {
	return newError(message, "invalid_request_error", 400, param)
}

// modelNotFoundError is a 404 for an unknown model id.
func modelNotFoundError(model string) *types.ErrorResponse {
	return newError("The model `"+model+"` does not exist.", "NotFoundError", 404, "")
}

// disconnectError reports a client that went away mid non-streaming
// aggregation.
func disconnectError() *types.ErrorResponse {
	return newError("Client disconnected", "invalid_request_error", 400, "")
}

// tooBusyError signals backpressure for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}
