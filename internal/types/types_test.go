package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validKey = strings.Repeat("ab", 32)

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"already normal", "/some/path", "/some/path", false},
		{"missing leading slash", "some/path", "/some/path", false},
		{"dot segments collapsed", "/a/b/../c", "/a/c", false},
		{"trailing slash trimmed", "/a/b/", "/a/b", false},
		{"empty", "", "", true},
		{"whitespace", "   ", "", true},
		{"root only", "/", "", true},
		{"full URL rejected", "https://cdn.example.com/a", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURI(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestItemValidate(t *testing.T) {
	tests := []struct {
		name    string
		item    Item
		wantErr string
	}{
		{
			name: "blob item",
			item: Item{WebURI: "/a", ObjectKey: validKey},
		},
		{
			name: "tombstone",
			item: Item{WebURI: "/a", ObjectKey: ObjectKeyAbsent},
		},
		{
			name: "link item",
			item: Item{WebURI: "/alias", LinkTo: "/real"},
		},
		{
			name: "blob with content type",
			item: Item{WebURI: "/a", ObjectKey: validKey, ContentType: "application/json"},
		},
		{
			name:    "uppercase key rejected",
			item:    Item{WebURI: "/a", ObjectKey: strings.ToUpper(validKey)},
			wantErr: "object_key",
		},
		{
			name:    "short key rejected",
			item:    Item{WebURI: "/a", ObjectKey: "abcd"},
			wantErr: "object_key",
		},
		{
			name:    "link and key exclusive",
			item:    Item{WebURI: "/a", ObjectKey: validKey, LinkTo: "/b"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "content type on link",
			item:    Item{WebURI: "/a", LinkTo: "/b", ContentType: "text/plain"},
			wantErr: "not allowed",
		},
		{
			name:    "content type on tombstone",
			item:    Item{WebURI: "/a", ObjectKey: ObjectKeyAbsent, ContentType: "text/plain"},
			wantErr: "not allowed",
		},
		{
			name:    "malformed content type",
			item:    Item{WebURI: "/a", ObjectKey: validKey, ContentType: "nonsense"},
			wantErr: "content_type",
		},
		{
			name:    "bad URI",
			item:    Item{WebURI: "", ObjectKey: validKey},
			wantErr: "empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestItemValidateNormalizes(t *testing.T) {
	it := Item{WebURI: "a/b/../c", ObjectKey: validKey}
	require.NoError(t, it.Validate())
	assert.Equal(t, "/a/c", it.WebURI)

	link := Item{WebURI: "alias", LinkTo: "real/path"}
	require.NoError(t, link.Validate())
	assert.Equal(t, "/real/path", link.LinkTo)
}

func TestParseCommitMode(t *testing.T) {
	mode, err := ParseCommitMode("")
	require.NoError(t, err)
	assert.Equal(t, CommitPhase2, mode)

	mode, err = ParseCommitMode("phase1")
	require.NoError(t, err)
	assert.Equal(t, CommitPhase1, mode)

	_, err = ParseCommitMode("phase3")
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, PublishPending.Terminal())
	assert.False(t, PublishCommitting.Terminal())
	assert.True(t, PublishCommitted.Terminal())
	assert.True(t, PublishFailed.Terminal())

	assert.False(t, TaskNotStarted.Terminal())
	assert.False(t, TaskInProgress.Terminal())
	assert.True(t, TaskComplete.Terminal())
	assert.True(t, TaskFailed.Terminal())
}
