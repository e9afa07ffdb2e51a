// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rdlibrary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/services/realdebrid"
	"github.com/fetcharr/fetcharr/internal/settings"
)

type fakeClient struct {
	authenticated bool
	torrents      []realdebrid.Torrent
	err           error
}

func (f *fakeClient) IsAuthenticated(context.Context) bool { return f.authenticated }

func (f *fakeClient) ListTorrents(context.Context, int, int) ([]realdebrid.Torrent, error) {
	return f.torrents, f.err
}

func newTestSource(t *testing.T, client libraryClient) *Source {
	t.Helper()
	manager, err := settings.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return &Source{settings: manager, client: client}
}

func TestSearchFiltersBySubstring(t *testing.T) {
	s := newTestSource(t, &fakeClient{
		authenticated: true,
		torrents: []realdebrid.Torrent{
			{Filename: "Ableton.Live.12.Suite.dmg", Hash: "aaaa", Status: "downloaded", Bytes: 1024, Links: []string{"https://host/a"}},
			{Filename: "Some.Other.App.zip", Hash: "bbbb", Status: "downloaded", Links: []string{"https://host/b"}},
			{Filename: "ABLETON-sample-pack.rar", Hash: "cccc", Status: "downloading", Links: []string{"https://host/c"}},
		},
	})

	results, err := s.Search(context.Background(), "ableton", 1)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Ableton.Live.12.Suite.dmg [downloaded]", results[0].Title)
	assert.Equal(t, "https://host/a", results[0].Link)
	assert.Equal(t, "AAAA", results[0].Infohash)
	assert.Equal(t, "RealDebrid Library", results[0].Source)
	assert.Equal(t, "ABLETON-sample-pack.rar [downloading]", results[1].Title)
}

func TestSearchWithoutAuth(t *testing.T) {
	s := newTestSource(t, &fakeClient{authenticated: false})

	results, err := s.Search(context.Background(), "anything", 1)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Contains(t, s.LastError(), "not connected")
}

func TestSearchMagnetFallbackForLinklessEntries(t *testing.T) {
	s := newTestSource(t, &fakeClient{
		authenticated: true,
		torrents: []realdebrid.Torrent{
			{Filename: "Pending.App.iso", Hash: "abcdefabcdefabcdefabcdefabcdefabcdefabcd", Status: "queued"},
		},
	})

	results, err := s.Search(context.Background(), "pending", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Link, "magnet:?xt=urn:btih:ABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD")
}
