package http

import (
	"lsmkv/pkg/engine"
	"lsmkv/pkg/maps"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Record is one map record on the wire. Names and values are arbitrary
// bytes and travel base64 encoded.
type Record struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Response represents the standard API response format. Code carries the
// map-keeper response code of map and record operations.
type Response struct {
	Status  Status        `json:"status,omitempty"`
	Code    string        `json:"code,omitempty"`
	Value   []byte        `json:"value,omitempty"`
	Records []Record      `json:"records,omitempty"`
	Maps    []string      `json:"maps,omitempty"`
	Stats   *engine.Stats `json:"stats,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK, Code: maps.Success.String()}
}

func NewCodeResponse(code maps.ResponseCode) Response {
	if code == maps.Error {
		return Response{Status: StatusError, Code: code.String()}
	}
	return Response{Status: StatusSuccess, Code: code.String()}
}

// NewValueResponse carries a record value. An empty value is omitted from
// the body; the Success code still reports the record as present.
func NewValueResponse(value []byte) Response {
	return Response{Status: StatusSuccess, Code: maps.Success.String(), Value: value}
}

func NewRecordsResponse(code maps.ResponseCode, records []maps.Record) Response {
	resp := NewCodeResponse(code)
	resp.Records = make([]Record, 0, len(records))
	for _, r := range records {
		resp.Records = append(resp.Records, Record{Key: r.Key, Value: r.Value})
	}
	return resp
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Code: maps.Error.String(), Error: err}
}
