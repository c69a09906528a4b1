// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodestore

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered with grpc's encoding package so GRPC's client
// and server exchange plain JSON-tagged Go structs instead of generated
// protobuf messages (SPEC_FULL.md §3.4/§3.5: no code generation is run in
// this module). This is a supported grpc extension point
// (encoding.RegisterCodec), not a workaround.
const jsonCodecName = "logflow-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// wireUpdateRequest/wireUpdateResponse/wireGetResponse are the plain JSON
// structs exchanged over the nodestore GRPC service, standing in for
// `.proto`-generated message types.
type wireUpdateRequest struct {
	Value       []byte `json:"value"`
	BaseVersion uint64 `json:"base_version"`
}

type wireUpdateResponse struct {
	Status     int8   `json:"status"`
	NewVersion uint64 `json:"new_version"`
	ReadBack   []byte `json:"read_back,omitempty"`
}

type wireGetResponse struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

type wireError struct {
	Message string `json:"message"`
}

func (e *wireError) Error() string { return e.Message }

func wireErrorf(format string, args ...interface{}) error {
	return &wireError{Message: fmt.Sprintf(format, args...)}
}
