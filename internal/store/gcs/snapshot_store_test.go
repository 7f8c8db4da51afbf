package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "snapshots"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestArtifactContentType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key  string
		want string
	}{
		{"runs/abc/challenge-1.html", "text/html; charset=utf-8"},
		{"runs/abc/challenge-1.png", "image/png"},
		{"runs/abc/challenge-1.bin", "application/octet-stream"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, artifactContentType(tc.key), "key %q", tc.key)
	}
}
