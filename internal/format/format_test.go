package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memberqa/internal/source"
)

func str(s string) *string { return &s }

func TestFormat_FallbackRecords(t *testing.T) {
	blob := Format(source.FallbackRecords())

	blocks := strings.Split(blob, Delimiter)
	// four terminated blocks leave one empty tail
	require.Len(t, blocks, 5)
	assert.Empty(t, blocks[4])

	wantHeads := []string{
		"User: Layla (ID: 1)",
		"User: Vikram Desai (ID: 2)",
		"User: Amira (ID: 3)",
		"User: Marcus (ID: 4)",
	}
	for i, head := range wantHeads {
		assert.True(t, strings.HasPrefix(strings.TrimLeft(blocks[i], "\n"), head), "block %d = %q", i, blocks[i])
	}
}

func TestFormat_ExactTemplate(t *testing.T) {
	records := []source.Record{
		source.NewRecord("1", "Layla", "Planning my London trip for June 20th", "2025-06-01"),
		source.NewRecord("2", "Vikram Desai", "I have 2 cars", "2025-06-02"),
	}
	want := "User: Layla (ID: 1)\nMessage: Planning my London trip for June 20th\nTimestamp: 2025-06-01\n---\n" +
		"User: Vikram Desai (ID: 2)\nMessage: I have 2 cars\nTimestamp: 2025-06-02\n---"
	assert.Equal(t, want, Format(records))
}

func TestFormat_MissingFields(t *testing.T) {
	records := []source.Record{{}}
	assert.Equal(t, "User: Unknown (ID: )\nMessage: \nTimestamp: \n---", Format(records))

	records = []source.Record{{UserName: str(""), Message: str("hi")}}
	assert.Equal(t, "User:  (ID: )\nMessage: hi\nTimestamp: \n---", Format(records))
}

func TestFormat_Empty(t *testing.T) {
	assert.Equal(t, "", Format(nil))
	assert.Equal(t, "", Format([]source.Record{}))
}

func TestFormat_Deterministic(t *testing.T) {
	records := append(source.FallbackRecords(), source.Record{Message: str("anonymous")})
	first := Format(records)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Format(records))
	}
}

func TestFormat_PreservesOrder(t *testing.T) {
	records := source.FallbackRecords()
	reversed := make([]source.Record, len(records))
	for i := range records {
		reversed[len(records)-1-i] = records[i]
	}
	blob := Format(reversed)
	assert.Less(t, strings.Index(blob, "Marcus"), strings.Index(blob, "Layla"))
}

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name    string
		records []source.Record
		want    Stats
	}{
		{"empty", nil, Stats{0, 0}},
		{"fallback", source.FallbackRecords(), Stats{TotalMessages: 4, UniqueUsers: 4}},
		{"two nameless collapse", []source.Record{{Message: str("a")}, {Message: str("b")}}, Stats{TotalMessages: 2, UniqueUsers: 1}},
		{"repeat user", []source.Record{
			source.NewRecord("1", "Layla", "a", "t"),
			source.NewRecord("1", "Layla", "b", "t"),
			source.NewRecord("2", "Amira", "c", "t"),
		}, Stats{TotalMessages: 3, UniqueUsers: 2}},
		{"nameless joins literal Unknown", []source.Record{{}, {UserName: str(UnknownUser)}}, Stats{TotalMessages: 2, UniqueUsers: 1}},
		{"empty name is its own user", []source.Record{{}, {UserName: str("")}}, Stats{TotalMessages: 2, UniqueUsers: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeStats(tt.records))
		})
	}
}
