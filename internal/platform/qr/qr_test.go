package qr

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderProducesPNGDataURI(t *testing.T) {
	uri, err := Renderer{}.Render(PrescriptionPayload("rx-1", "123456"))
	require.NoError(t, err)

	const prefix = "data:image/png;base64,"
	require.True(t, strings.HasPrefix(uri, prefix))
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestPayloads(t *testing.T) {
	assert.Equal(t, "PRESCRIPTION:rx-1:123456", PrescriptionPayload("rx-1", "123456"))
	assert.Equal(t, "DELEGATION:d-1:p-1:u-1", DelegationPayload("d-1", "p-1", "u-1"))
}
