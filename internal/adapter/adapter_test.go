package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuicAddrParsesURLs(t *testing.T) {
	addr, err := quicAddr("quic://persona-adapter:7070")
	require.NoError(t, err)
	assert.Equal(t, "persona-adapter:7070", addr)
}

func TestQuicAddrPassesThroughBareHostPort(t *testing.T) {
	addr, err := quicAddr("ollama-adapter:7070")
	require.NoError(t, err)
	assert.Equal(t, "ollama-adapter:7070", addr)
}

func TestQuicAddrRejectsMalformedURL(t *testing.T) {
	_, err := quicAddr("quic://[::1")
	assert.Error(t, err)
}
