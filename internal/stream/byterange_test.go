package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 1000
	const chunk = 100

	tests := []struct {
		name    string
		header  string
		want    ByteRange
		partial bool
		err     error
	}{
		{name: "absent", header: "", want: ByteRange{0, 999}},
		{name: "explicit span", header: "bytes=0-99", want: ByteRange{0, 99}, partial: true},
		{name: "middle span", header: "bytes=500-749", want: ByteRange{500, 749}, partial: true},
		{name: "end clamped", header: "bytes=900-5000", want: ByteRange{900, 999}, partial: true},
		{name: "open ended capped at chunk", header: "bytes=200-", want: ByteRange{200, 299}, partial: true},
		{name: "open ended near end", header: "bytes=950-", want: ByteRange{950, 999}, partial: true},
		{name: "suffix", header: "bytes=-10", want: ByteRange{990, 999}, partial: true},
		{name: "suffix larger than resource", header: "bytes=-5000", want: ByteRange{0, 999}, partial: true},
		{name: "first of many", header: "bytes=0-9,20-29", want: ByteRange{0, 9}, partial: true},
		{name: "start past end", header: "bytes=1000-", err: ErrRangeNotSatisfiable},
		{name: "reversed", header: "bytes=50-10", err: ErrRangeNotSatisfiable},
		{name: "empty suffix", header: "bytes=-0", err: ErrRangeNotSatisfiable},
		{name: "other unit ignored", header: "items=0-5", want: ByteRange{0, 999}},
		{name: "garbage ignored", header: "bytes=abc", want: ByteRange{0, 999}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, partial, err := ParseRange(tt.header, size, chunk)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.partial, partial)
		})
	}
}

func TestParseRangeEmptyResource(t *testing.T) {
	r, partial, err := ParseRange("", 0, 100)
	require.NoError(t, err)
	assert.False(t, partial)
	assert.Equal(t, int64(0), r.Length())

	_, _, err = ParseRange("bytes=0-", 0, 100)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func TestByteRangeHeaders(t *testing.T) {
	r := ByteRange{Start: 0, End: 99}
	assert.Equal(t, int64(100), r.Length())
	assert.Equal(t, "bytes 0-99/1000", r.ContentRange(1000))
}
