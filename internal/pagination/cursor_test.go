package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "EXP-1771151400000-K3X9QZ"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.At)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)

	for _, bad := range []string{
		"not-base64!!!",
		"bm9waXBl", // "nopipe"
		"YWJjfGlk", // "abc|id"
		"MTIzfA",   // "123|"
	} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestCursor_Follows(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &Cursor{At: at, ID: "m"}

	assert.True(t, c.Follows(at.Add(-time.Second), "z"), "older item")
	assert.False(t, c.Follows(at.Add(time.Second), "a"), "newer item")
	assert.True(t, c.Follows(at, "a"), "same time, lower id")
	assert.False(t, c.Follows(at, "m"), "the cursor item itself")
	assert.False(t, c.Follows(at, "z"), "same time, higher id")

	var none *Cursor
	assert.True(t, none.Follows(at, "anything"))
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int{
		"":     DefaultLimit,
		"abc":  DefaultLimit,
		"-3":   DefaultLimit,
		"0":    DefaultLimit,
		"10":   10,
		" 25 ": 25,
		"500":  MaxLimit,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLimit(in), "input %q", in)
	}
}

func TestComputePage(t *testing.T) {
	type item struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []item{
		{base.Add(3 * time.Hour), "c"},
		{base.Add(2 * time.Hour), "b"},
		{base.Add(time.Hour), "a"},
	}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page, next, more := ComputePage(items, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.ID)
	assert.True(t, cursor.Follows(items[2].at, items[2].id))

	page, next, more = ComputePage(items, 3, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}
