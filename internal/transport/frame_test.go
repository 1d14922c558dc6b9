package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestReadFrame_ZeroLengthIsEndMarker(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 0)))
	// Overwrite the length prefix with something past maxFrameBytes.
	data := buf.Bytes()
	data[0], data[1], data[2], data[3] = 0xff, 0xff, 0xff, 0x7f

	_, err := ReadFrame(bytes.NewReader(data))
	require.Error(t, err)
}
