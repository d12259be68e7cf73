package gateway_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-objects/internal/gateway"
)

func TestDecodeRequestMalformed(t *testing.T) {
	_, errFrame := gateway.DecodeRequest([]byte(`{"id": 3, "method": `))
	require.NotNil(t, errFrame)
	assert.Equal(t, gateway.CodeValidation, errFrame.Error.Code)
	assert.Nil(t, errFrame.ID)

	_, errFrame = gateway.DecodeRequest([]byte(`{"id": 3, "args": []}`))
	require.NotNil(t, errFrame)
	assert.JSONEq(t, `3`, string(errFrame.ID))

	_, errFrame = gateway.DecodeRequest([]byte(`{"id": "x", "method": 5}`))
	require.NotNil(t, errFrame)
	assert.JSONEq(t, `"x"`, string(errFrame.ID))
}

func TestResponseNullResult(t *testing.T) {
	raw, err := json.Marshal(gateway.Response{ID: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"result":null}`, string(raw))
}
