package ipc

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnknownOp  = errors.New("unknown op")
	ErrRejected   = errors.New("engine not accepting tasks")
	ErrBadRequest = errors.New("bad request")
)

// Request is one line sent by a client.
type Request struct {
	ID   string          `json:"id,omitempty"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one line sent back. Exactly one of Result/Error is set.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Lane and WaitMicros are set for ops that ran as engine tasks; WaitMicros
	// is the time the task spent queued before a worker picked it up.
	Lane       string `json:"lane,omitempty"`
	WaitMicros int64  `json:"wait_usec,omitempty"`
}

// Decode unmarshals a successful result into v.
func (r Response) Decode(v any) error {
	if !r.OK {
		return errors.New(r.Error)
	}
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

func failure(id string, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}

// decodeArgs unmarshals optional args; empty or null args leave v untouched.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}
