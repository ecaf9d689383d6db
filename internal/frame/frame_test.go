package frame_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/frame"
)

func TestReadFrame_Basic(t *testing.T) {
	r := frame.NewReader(strings.NewReader(`{"a":1}` + "\n" + `{"b":2}` + "\n"), 0)

	f1, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(f1))

	f2, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(f2))

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_PartialAtEOF(t *testing.T) {
	r := frame.NewReader(strings.NewReader(`{"a":1}`), 0)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, frame.ErrPartialFrame)
}

func TestReadFrame_DesyncResistant(t *testing.T) {
	// A malformed frame (not even attempted to parse here) must not prevent
	// the next, well-formed frame from being read correctly.
	r := frame.NewReader(strings.NewReader("not json at all\n"+`{"ok":true}`+"\n"), 0)

	bad, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "not json at all", string(bad))

	good, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(good))
}

func TestReadFrame_TooLarge(t *testing.T) {
	big := strings.Repeat("x", 100) + "\n"
	r := frame.NewReader(strings.NewReader(big), 10)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	w := frame.NewWriter(&buf, 0)
	require.NoError(t, w.WriteFrame([]byte(`{"x":1}`)))
	require.NoError(t, w.WriteFrame([]byte(`{"y":2}`)))
	assert.Equal(t, "{\"x\":1}\n{\"y\":2}\n", buf.String())
}

func TestWriteFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := frame.NewWriter(&buf, 4)
	err := w.WriteFrame([]byte(`{"x":1}`))
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
}
