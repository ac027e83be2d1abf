package message

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := NewHeaders()
	h.SetMessageID("abc-123")
	h.SetMessageName("urn:example:TestMessage")
	h.Set("X-Custom", "plain value")
	h.Set("X-Multi", "first line\nsecond line\nthird line")
	h.Set("X-Empty", "")
	h.Set("MiXeD-CaSe", "value")

	decoded, err := DecodeHeaderString(EncodeHeaders(h))
	require.NoError(t, err)
	assert.True(t, h.Equal(decoded), "expected headers to round-trip exactly")
	assert.Equal(t, h.Names(), decoded.Names())
}

func TestDecodeMultiLineValue(t *testing.T) {
	blob := "X-Multi: first\n    second\n\tthird\n\n"
	h, err := DecodeHeaderString(blob)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird", h.Get("X-Multi"))
}

func TestDecodeIgnoresCommentLines(t *testing.T) {
	blob := "# reserved metadata\nMessageId: m-1\n# another comment\nTopic: foo\n\n"
	h, err := DecodeHeaderString(blob)
	require.NoError(t, err)
	assert.Equal(t, "m-1", h.MessageID())
	assert.Equal(t, "foo", h.Topic())
	assert.Equal(t, 2, h.Len())
}

func TestDecodeStopsAtBlankLine(t *testing.T) {
	blob := "MessageId: m-2\n\nNot-A-Header anymore"
	h, err := DecodeHeaderString(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Len())
}

func TestDecodeRejectsMissingColon(t *testing.T) {
	_, err := DecodeHeaderString("NoColonHere\n\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingColon))

	var parseErr *HeaderParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 1, parseErr.Line)
}

func TestDecodeRejectsLeadingColon(t *testing.T) {
	_, err := DecodeHeaderString("MessageId: ok\n: anonymous\n\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyHeaderName))
}

func TestDecodeRejectsBareContinuation(t *testing.T) {
	_, err := DecodeHeaderString("    dangling continuation\n\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBareContinuation))
}

func TestDecodeEmptyValue(t *testing.T) {
	h, err := DecodeHeaderString("X-Empty:\nX-Also-Empty: \n\n")
	require.NoError(t, err)
	assert.True(t, h.Has("X-Empty"))
	assert.Equal(t, "", h.Get("X-Empty"))
	assert.Equal(t, "", h.Get("X-Also-Empty"))
}

func TestEncodeMultiLineUsesIndentedContinuations(t *testing.T) {
	h := NewHeaders()
	h.Set("X-Multi", "a\nb")
	blob := EncodeHeaders(h)
	assert.Contains(t, blob, "X-Multi: a\n    b\n")
	assert.True(t, strings.HasSuffix(blob, "\n\n"))
}
