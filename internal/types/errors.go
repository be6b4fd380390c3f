package types

// API error codes returned by the connection front door.
const (
	CodeInvalidRequest   = "CONNECTION_400"
	CodeNotFound         = "CONNECTION_404"
	CodeConflict         = "CONNECTION_409"
	CodeWorkflowFailed   = "CONNECTION_502"
	CodeInternal         = "CONNECTION_500"
	CodeDeviceNotFound   = "DEVICE_404"
	CodeDeviceLookupFail = "DEVICE_500"
	CodeUnauthorized     = "AUTH_401"
	CodeForbidden        = "AUTH_403"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
