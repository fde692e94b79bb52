package http

import "geocache/pkg/clock"

type Status string

const (
	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
// Value is raw bytes and therefore base64 in JSON.
type Response struct {
	Status  Status         `json:"status,omitempty"`
	Value   []byte         `json:"value,omitempty"`
	Type    string         `json:"type,omitempty"`
	Version *clock.Version `json:"version,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value []byte, typ string) Response {
	return Response{Status: StatusSuccess, Value: value, Type: typ}
}

func NewVersionResponse(v clock.Version) Response {
	return Response{Status: StatusSuccess, Version: &v}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
