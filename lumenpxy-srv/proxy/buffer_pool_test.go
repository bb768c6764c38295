package proxy

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	buf := getBuffer()
	require.Len(t, *buf, DefaultBufferSize)
	putBuffer(buf)

	again := getBuffer()
	assert.Len(t, *again, DefaultBufferSize)
	putBuffer(again)
}

func TestCopyBuffer(t *testing.T) {
	payload := strings.Repeat("0123456789", 10000)
	var dst bytes.Buffer

	n, err := copyBuffer(&dst, strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst.String())
}

func TestFlushWriterFlushesEveryWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := newFlushWriter(rec)

	_, err := fw.Write([]byte("chunk"))
	require.NoError(t, err)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "chunk", rec.Body.String())
}
