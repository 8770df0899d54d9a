package kiss

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrameDeframeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{FEND},
		{FESC},
		{FEND, FESC, FEND, FESC},
		bytes.Repeat([]byte{0xC0, 0xDB}, 50),
	}

	for _, payload := range cases {
		framed := Frame(payload)
		assert.Equal(t, byte(FEND), framed[0])
		assert.Equal(t, byte(FEND), framed[len(framed)-1])

		content := framed[1 : len(framed)-1]
		got, ok := Deframe(content)
		require.True(t, ok)
		assert.Equal(t, payload, got)
	}
}

func TestFrameDeframeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(rt, "payload")

		framed := Frame(payload)
		content := framed[1 : len(framed)-1]
		got, ok := Deframe(content)
		require.True(rt, ok)
		assert.Equal(rt, payload, got)
	})
}

func TestSplitExtractsOneFrame(t *testing.T) {
	payload := []byte("hello")
	framed := Frame(payload)

	scanner := bufio.NewScanner(bytes.NewReader(framed))
	scanner.Split(Split)
	require.True(t, scanner.Scan())

	got, ok := Deframe(scanner.Bytes())
	require.True(t, ok)
	assert.Equal(t, payload, got)

	assert.False(t, scanner.Scan())
}

func TestSplitExtractsMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Frame([]byte("one")))
	buf.Write(Frame([]byte("two")))
	buf.Write(Frame([]byte("three")))

	scanner := bufio.NewScanner(&buf)
	scanner.Split(Split)

	var got []string
	for scanner.Scan() {
		payload, ok := Deframe(scanner.Bytes())
		require.True(t, ok)
		got = append(got, string(payload))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}
