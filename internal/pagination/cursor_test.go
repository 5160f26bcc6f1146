package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	c, err := Decode(Encode("mia", 42), "mia")
	require.NoError(t, err)
	assert.Equal(t, &Cursor{Scope: "mia", BeforeSeq: 42}, c)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("", "mia")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"not base64":    "%%%",
		"wrong shape":   base64.RawURLEncoding.EncodeToString([]byte("hello")),
		"wrong version": base64.RawURLEncoding.EncodeToString([]byte("v0|mia|3")),
		"bad seq":       base64.RawURLEncoding.EncodeToString([]byte("v1|mia|x")),
		"zero seq":      base64.RawURLEncoding.EncodeToString([]byte("v1|mia|0")),
		"other scope":   Encode("leo", 3),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in, "mia")
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestComputePage(t *testing.T) {
	seqs := []int64{9, 8, 7, 6}
	id := func(v int64) int64 { return v }

	page, next, more := ComputePage(seqs, 3, "", id)
	assert.Equal(t, []int64{9, 8, 7}, page)
	assert.True(t, more)

	c, err := Decode(next, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.BeforeSeq)

	page, next, more = ComputePage(seqs[:2], 3, "", id)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
	assert.False(t, more)
}
