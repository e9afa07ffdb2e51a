// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package piratebay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(apiEndpoints, mirrors []string) *Source {
	return &Source{
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		apiEndpoints: apiEndpoints,
		mirrors:      mirrors,
		baseURL:      firstOrEmpty(mirrors),
	}
}

func firstOrEmpty(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

func TestSearchViaAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/q.php", r.URL.Path)
		require.Equal(t, "ableton live", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"name":"Ableton Live 12 Suite","info_hash":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa","size":"3221225472","seeders":"120","leechers":"14"},
			{"name":"No results returned","info_hash":"0000000000000000000000000000000000000000","size":"0","seeders":"0","leechers":"0"}
		]`))
	}))
	defer server.Close()

	s := newTestSource([]string{server.URL}, nil)
	results, err := s.Search(context.Background(), "ableton live", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "Ableton Live 12 Suite", got.Title)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", got.Infohash)
	assert.Contains(t, got.Link, "magnet:?xt=urn:btih:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.Contains(t, got.Link, "tr=")
	assert.Equal(t, int64(3221225472), got.Size)
	assert.Equal(t, 120, got.Seeds)
	assert.Equal(t, "PirateBay", got.Source)
}

const legacyListing = `<html><body><table id="searchResult">
<tr><th>header</th></tr>
<tr>
  <td class="vertTh">cat</td>
  <td>
    <div class="detName"><a href="/torrent/1/Cool.App">Cool.App.v2.1</a></div>
    <a href="magnet:?xt=urn:btih:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb&dn=Cool.App">magnet</a>
    <font class="detDesc">Uploaded 03-14 2024, Size 1.5 GiB, ULed by someone</font>
  </td>
  <td align="right">44</td>
  <td align="right">7</td>
</tr>
</table></body></html>`

func TestSearchMirrorFallback(t *testing.T) {
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(legacyListing))
	}))
	defer mirror.Close()

	s := newTestSource(nil, []string{mirror.URL})
	results, err := s.Search(context.Background(), "cool app", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "Cool.App.v2.1", got.Title)
	assert.Equal(t, "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", got.Infohash)
	assert.Equal(t, int64(1610612736), got.Size)
	assert.Equal(t, 44, got.Seeds)
	assert.Equal(t, 7, got.Leeches)
}

func TestSearchSkipsParkedMirror(t *testing.T) {
	parked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>This site is hosted on FastPanel</body></html>`))
	}))
	defer parked.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(legacyListing))
	}))
	defer healthy.Close()

	s := newTestSource(nil, []string{parked.URL, healthy.URL})
	results, err := s.Search(context.Background(), "cool app", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// The healthy mirror becomes the preferred base for the next search.
	s.mu.Lock()
	assert.Equal(t, healthy.URL, s.baseURL)
	s.mu.Unlock()
}

func TestSearchAllMirrorsFailSetsLastError(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	s := newTestSource(nil, []string{down.URL})
	results, err := s.Search(context.Background(), "anything", 1)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Contains(t, s.LastError(), "All PirateBay mirrors failed")
}

func TestSearchUsesZeroIndexedPages(t *testing.T) {
	var gotPath string
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`<html><body><table id="searchResult"></table></body></html>`))
	}))
	defer mirror.Close()

	s := newTestSource(nil, []string{mirror.URL})
	_, err := s.Search(context.Background(), "query", 3)
	require.NoError(t, err)
	assert.Equal(t, "/search/query/2/99/0", gotPath)
}
