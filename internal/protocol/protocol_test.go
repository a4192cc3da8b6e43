package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdrive/peerdrive/internal/common"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	b, err := Encode(TypeFileHeader, FileHeader{Stream: 7, Name: "notes.txt", Size: 1234})
	require.NoError(t, err)

	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeFileHeader, env.Type)

	var hdr FileHeader
	require.NoError(t, env.Unmarshal(&hdr))
	assert.Equal(t, uint32(7), hdr.Stream)
	assert.Equal(t, "notes.txt", hdr.Name)
	assert.Equal(t, int64(1234), hdr.Size)
}

func TestDecode_Rejections(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, common.ErrProtocolViolation)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, common.ErrProtocolViolation)
}

func TestEnvelope_Unmarshal_MissingPayload(t *testing.T) {
	env, err := Decode([]byte(`{"type":"list-files"}`))
	require.NoError(t, err)

	var lf ListFiles
	assert.ErrorIs(t, env.Unmarshal(&lf), common.ErrProtocolViolation)
}

func TestChunk_RoundTrip(t *testing.T) {
	frame := EncodeChunk(42, []byte("hello"))

	stream, data, err := DecodeChunk(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), stream)
	assert.Equal(t, []byte("hello"), data)
}

func TestChunk_EmptyPayload(t *testing.T) {
	stream, data, err := DecodeChunk(EncodeChunk(1, nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stream)
	assert.Empty(t, data)
}

func TestDecodeChunk_TooShort(t *testing.T) {
	_, _, err := DecodeChunk([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, common.ErrProtocolViolation)
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name     string
		received int64
		total    int64
		want     int
	}{
		{name: "zero of zero is complete", received: 0, total: 0, want: 100},
		{name: "start", received: 0, total: 10, want: 0},
		{name: "floor not round", received: 199, total: 1000, want: 19},
		{name: "halfway", received: 50, total: 100, want: 50},
		{name: "complete", received: 100, total: 100, want: 100},
		{name: "over-receive clamps", received: 120, total: 100, want: 100},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Progress(tc.received, tc.total))
		})
	}
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath(nil))
	assert.NoError(t, ValidatePath([]string{"docs", "work"}))

	for _, bad := range [][]string{
		{".."},
		{"docs", ".."},
		{"."},
		{""},
		{"a/b"},
		{`a\b`},
	} {
		assert.ErrorIs(t, ValidatePath(bad), common.ErrInvalidPath, "path %v", bad)
	}
}

func TestSplitPreviewPath(t *testing.T) {
	segs, err := SplitPreviewPath("assets/css/main.css")
	require.NoError(t, err)
	assert.Equal(t, []string{"assets", "css", "main.css"}, segs)

	segs, err = SplitPreviewPath("/index.html")
	require.NoError(t, err)
	assert.Equal(t, []string{"index.html"}, segs)

	_, err = SplitPreviewPath("../secret")
	assert.ErrorIs(t, err, common.ErrInvalidPath)

	_, err = SplitPreviewPath("")
	assert.ErrorIs(t, err, common.ErrInvalidPath)
}

func TestValidateProjectID(t *testing.T) {
	assert.NoError(t, ValidateProjectID("my-site-2"))
	assert.NoError(t, ValidateProjectID("blog"))

	for _, bad := range []string{"", "My-Site", "has space", "-lead", "trail-", "a--b", "under_score"} {
		assert.ErrorIs(t, ValidateProjectID(bad), common.ErrInvalidProjectID, "id %q", bad)
	}
}
