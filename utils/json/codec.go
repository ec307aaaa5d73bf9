// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package json

import (
	"net/http"
	"strings"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

var _ rpc.Codec = codec{}

// NewCodec returns a JSON-RPC 2.0 codec that lowercases the leading
// character of the method name, so "tempo.getScoringStatus" resolves to the
// exported GetScoringStatus handler.
func NewCodec() rpc.Codec {
	return codec{Codec: json2.NewCodec()}
}

type codec struct{ *json2.Codec }

func (c codec) NewRequest(r *http.Request) rpc.CodecRequest {
	return serviceRequest{CodecRequest: c.Codec.NewRequest(r)}
}

type serviceRequest struct{ rpc.CodecRequest }

func (req serviceRequest) Method() (string, error) {
	method, err := req.CodecRequest.Method()
	if err != nil {
		return "", err
	}
	service, function, ok := strings.Cut(method, ".")
	if !ok || function == "" {
		return method, nil
	}
	return service + "." + strings.ToUpper(function[:1]) + function[1:], nil
}
