package rac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlocks(t *testing.T) {
	text := "Key-Name : \"value\"\nother: val\n\nKey-Name: \"second\"\nother : val2\n"

	records := ParseBlocks(text)
	require.Len(t, records, 2)

	assert.Equal(t, "value", records[0].Get("key_name"))
	assert.Equal(t, "val", records[0].Get("other"))
	assert.Equal(t, "value", records[0].Get("KEY-NAME"))
	assert.Equal(t, []string{"key_name", "other"}, records[0].Keys())

	assert.Equal(t, "second", records[1].Get("Key Name"))
	assert.Equal(t, "val2", records[1].Get("OTHER"))
}

func TestParseBlocks_CRLFAndBOM(t *testing.T) {
	text := "\ufeffcluster : 1f2e\r\nhost : srv\r\n\r\n\r\ncluster : 9a8b\r\n"

	records := ParseBlocks(text)
	require.Len(t, records, 2)
	assert.Equal(t, "1f2e", records[0].Get("cluster"))
	assert.Equal(t, "srv", records[0].Get("host"))
	assert.Equal(t, "9a8b", records[1].Get("cluster"))
}

func TestParseBlocks_SkipsMalformedLines(t *testing.T) {
	text := "no colon here\n : empty key\nname : ok\n"

	records := ParseBlocks(text)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Len())
	assert.Equal(t, "ok", records[0].Get("name"))
}

func TestParseBlocks_ValueWithColons(t *testing.T) {
	records := ParseBlocks("started-at : 2024-03-01T10:20:30\n")
	require.Len(t, records, 1)
	assert.Equal(t, "2024-03-01T10:20:30", records[0].Get("started_at"))
}

func TestParseBlocks_DuplicateKeyLastWins(t *testing.T) {
	records := ParseBlocks("name : first\nNAME : second\n")
	require.Len(t, records, 1)
	assert.Equal(t, "second", records[0].Get("name"))
	assert.Equal(t, []string{"name"}, records[0].Keys())
}

func TestParseBlocks_Empty(t *testing.T) {
	assert.Empty(t, ParseBlocks(""))
	assert.Empty(t, ParseBlocks("\n\n   \n"))
	assert.Empty(t, ParseBlocks("garbage\n\nmore garbage"))
}

func TestParseBlocks_PartialQuotes(t *testing.T) {
	records := ParseBlocks("descr : \"unterminated\nsingle : \"\n")
	require.Len(t, records, 1)
	assert.Equal(t, `"unterminated`, records[0].Get("descr"))
	assert.Equal(t, `"`, records[0].Get("single"))
}

func TestParseBlocks_IndentedByteOrderMark(t *testing.T) {
	records := ParseBlocks("  \ufeffcluster : c-1\nname : main\n")
	require.Len(t, records, 1)
	assert.Equal(t, "c-1", records[0].Get("cluster"))
	assert.Equal(t, []string{"cluster", "name"}, records[0].Keys())
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Key-Name", "key_name"},
		{"  user name ", "user_name"},
		{"\ufeffcluster", "cluster"},
		{" \ufeffname", "name"},
		{"\ufeff infobase ", "infobase"},
		{"started-at", "started_at"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeKey(tt.in), tt.in)
	}
}

func TestParseTime(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)

	tests := []struct {
		name  string
		in    string
		want  time.Time
		valid bool
	}{
		{"iso local", "2024-03-01T10:20:30", time.Date(2024, 3, 1, 7, 20, 30, 0, time.UTC), true},
		{"iso zoned", "2024-03-01T10:20:30Z", time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC), true},
		{"iso offset", "2024-03-01T10:20:30+01:00", time.Date(2024, 3, 1, 9, 20, 30, 0, time.UTC), true},
		{"space separated", "2024-03-01 10:20:30", time.Date(2024, 3, 1, 7, 20, 30, 0, time.UTC), true},
		{"russian locale", "01.03.2024 10:20:30", time.Date(2024, 3, 1, 7, 20, 30, 0, time.UTC), true},
		{"empty tool date", "0001-01-01T00:00:00", time.Time{}, false},
		{"blank", "  ", time.Time{}, false},
		{"garbage", "yesterday", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseTimeIn(tt.in, loc)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
				assert.Equal(t, time.UTC, got.Location())
			}
		})
	}
}
