package runner

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriter_PrefixesEachLine(t *testing.T) {
	var out bytes.Buffer
	w := newLineWriter(&out, "program1")

	_, err := w.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)

	assert.Equal(t, "[program1] hello\n[program1] world\n", out.String())
}

func TestLineWriter_BuffersPartialLines(t *testing.T) {
	var out bytes.Buffer
	w := newLineWriter(&out, "p")

	_, err := w.Write([]byte("hel"))
	require.NoError(t, err)
	assert.Empty(t, out.String(), "no newline, nothing emitted yet")

	_, err = w.Write([]byte("lo\nwor"))
	require.NoError(t, err)
	assert.Equal(t, "[p] hello\n", out.String())

	require.NoError(t, w.Flush())
	assert.Equal(t, "[p] hello\n[p] wor\n", out.String(), "flush completes the partial line")
}

func TestLineWriter_FlushEmpty(t *testing.T) {
	var out bytes.Buffer
	w := newLineWriter(&out, "p")

	require.NoError(t, w.Flush())
	assert.Empty(t, out.String())
}
