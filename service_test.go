// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tempo

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func call(t *testing.T, handler http.Handler, method string, params interface{}) rpcResponse {
	t.Helper()
	require := require.New(t)

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(err)

	request := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	require.Equal(http.StatusOK, recorder.Code)

	response := rpcResponse{}
	require.NoError(json.Unmarshal(recorder.Body.Bytes(), &response))
	return response
}

func TestServiceGetScoringStatus(t *testing.T) {
	require := require.New(t)

	engine := newTestEngine(t)
	handler, err := NewHTTPHandler(engine)
	require.NoError(err)

	response := call(t, handler, "tempo.getScoringStatus", map[string]string{
		"round": "0",
	})
	require.Nil(response.Error)

	status := struct {
		DeterministicScoring bool   `json:"deterministicScoring"`
		UsingStub            bool   `json:"usingStub"`
		ModelVersion         string `json:"modelVersion"`
	}{}
	require.NoError(json.Unmarshal(response.Result, &status))
	require.True(status.DeterministicScoring)
	require.True(status.UsingStub)
	require.Equal("stub-v1", status.ModelVersion)
}

func TestServiceGetVerifierSet(t *testing.T) {
	require := require.New(t)

	engine := newTestEngine(t)
	handler, err := NewHTTPHandler(engine)
	require.NoError(err)

	// Unstarted round is an RPC error.
	response := call(t, handler, "tempo.getVerifierSet", map[string]string{
		"round": "0",
	})
	require.NotNil(response.Error)

	nodes := newTestNodes(t, 4)
	vs, err := engine.StartRound(0, validatorsOf(nodes), featuresOf(nodes), ids.GenerateTestID())
	require.NoError(err)

	response = call(t, handler, "tempo.getVerifierSet", map[string]string{
		"round": "0",
	})
	require.Nil(response.Error)

	reply := struct {
		Round     string   `json:"round"`
		Proposer  string   `json:"proposer"`
		Verifiers []string `json:"verifiers"`
	}{}
	require.NoError(json.Unmarshal(response.Result, &reply))
	require.Equal("0", reply.Round)
	require.Equal(vs.Proposer.NodeID.String(), reply.Proposer)
	require.Len(reply.Verifiers, len(vs.Verifiers))
}

func TestServiceGetRoundCertificate(t *testing.T) {
	require := require.New(t)

	engine := newTestEngine(t)
	handler, err := NewHTTPHandler(engine)
	require.NoError(err)

	response := call(t, handler, "tempo.getRoundCertificate", map[string]string{
		"round": "0",
	})
	require.NotNil(response.Error)
}
