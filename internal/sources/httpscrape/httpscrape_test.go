// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpscrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTemplateConfig(template, host string) templateConfig {
	return templateConfig{
		template:          template,
		host:              host,
		detailMaxPages:    10,
		linksPerDetail:    12,
		detailConcurrency: 3,
		requestTimeout:    5 * time.Second,
		timeBudget:        20 * time.Second,
		requestRetries:    2,
		retryBackoff:      10 * time.Millisecond,
		redirectTimeout:   2 * time.Second,
	}
}

func newTestSource(templates ...templateConfig) *Source {
	return &Source{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      newTemplateCache(5 * time.Minute),
		health:     newHealthTracker(),
		cfg: config{
			enabled:           true,
			templates:         templates,
			allowStaleCache:   true,
			backgroundRefresh: false,
		},
	}
}

const searchPage = `<html><body>
<article><h2><a href="/post/cool-app">Cool App 2024 for macOS</a></h2></article>
<article><h2><a href="/post/gated-app">Gated App</a></h2></article>
<article><h2><a href="https://elsewhere.example/off-site">Off-site</a></h2></article>
</body></html>`

const postPage = `<html><body><div class="entry-content">
<a href="https://rapidgator.net/file/abc123/CoolApp.rar.html">Rapidgator</a>
<a href="https://href.li/?https://nitroflare.com/view/XYZ/CoolApp.part1.rar">Mirror</a>
<a href="/category/apps">Category</a>
</div></body></html>`

const gatedPage = `<html><body><div class="entry-content">
<p>Links are hidden. You must be registered to view them.</p>
</div></body></html>`

func TestSearchTwoLevelCrawl(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cool app", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(searchPage))
	})
	mux.HandleFunc("/post/cool-app", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(postPage))
	})
	mux.HandleFunc("/post/gated-app", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(gatedPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	host := server.Listener.Addr().String()
	s := newTestSource(testTemplateConfig(server.URL+"/search?q={query}", host))

	results, err := s.Search(context.Background(), "cool app", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "Cool App 2024 for macOS", got.Title)
	assert.Equal(t, "HTTP", got.Source)
	require.Len(t, got.LinkCandidates, 2)
	assert.Equal(t, "https://rapidgator.net/file/abc123/CoolApp.rar.html", got.LinkCandidates[0].URL)
	// The href.li wrapper is statically unwrapped.
	assert.Equal(t, "https://nitroflare.com/view/XYZ/CoolApp.part1.rar", got.LinkCandidates[1].URL)
	assert.Equal(t, got.LinkCandidates[0].URL, got.Link)
}

func TestSearchServesFreshCache(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(searchPage))
	})
	mux.HandleFunc("/post/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(postPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	host := server.Listener.Addr().String()
	s := newTestSource(testTemplateConfig(server.URL+"/search?q={query}", host))

	_, err := s.Search(context.Background(), "cool app", 1)
	require.NoError(t, err)
	first := hits.Load()

	_, err = s.Search(context.Background(), "cool app", 1)
	require.NoError(t, err)
	assert.Equal(t, first, hits.Load(), "second search should be served from cache")
}

func TestSearchRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(searchPage))
	})
	mux.HandleFunc("/post/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(postPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	host := server.Listener.Addr().String()
	s := newTestSource(testTemplateConfig(server.URL+"/search?q={query}", host))

	results, err := s.Search(context.Background(), "cool app", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

type fakeRenderer struct {
	html  string
	calls atomic.Int32
}

func (f *fakeRenderer) Render(context.Context, string, int) (string, error) {
	f.calls.Add(1)
	return f.html, nil
}

func TestBrowserFallbackForDynamicPosts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h2><a href="/post/dynamic">Dynamic App</a></h2></body></html>`))
	})
	mux.HandleFunc("/post/dynamic", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="entry-content"><p>loading...</p></div></body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	host := server.Listener.Addr().String()
	tcfg := testTemplateConfig(server.URL+"/search?q={query}", host)
	tcfg.browserEnabled = true
	tcfg.browserExpandCycles = 2

	renderer := &fakeRenderer{html: postPage}
	s := newTestSource(tcfg)
	s.renderer = renderer

	results, err := s.Search(context.Background(), "dynamic app", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int32(1), renderer.calls.Load())
	assert.Contains(t, results[0].Link, "rapidgator.net")
}

func TestSearchAllTemplatesFailSetsLastError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tcfg := testTemplateConfig(server.URL+"/search?q={query}", server.Listener.Addr().String())
	tcfg.requestRetries = 0
	s := newTestSource(tcfg)

	results, err := s.Search(context.Background(), "anything", 1)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, "all HTTP source templates failed", s.LastError())
}

func TestIsDownloadLink(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://rapidgator.net/file/abc/x.html", true},
		{"https://example.com/files/App.dmg", true},
		{"https://example.com/get/12345", true},
		{"https://example.com/page?download=1", true},
		{"https://mega.nz/file/xyz", true},
		{"https://example.com/about", false},
		{"mailto:someone@example.com", false},
		{"https://example.com/tag/apps", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isDownloadLink(tt.url), tt.url)
	}
}

func TestDecodeRedirect(t *testing.T) {
	// base64("https://rapidgator.net/file/abc") url-safe
	const encoded = "aHR0cHM6Ly9yYXBpZGdhdG9yLm5ldC9maWxlL2FiYw=="

	tests := []struct {
		in   string
		want string
	}{
		{"https://href.li/?https://nitroflare.com/view/X", "https://nitroflare.com/view/X"},
		{"https://blog.example/ads/" + encoded, "https://rapidgator.net/file/abc"},
		{"https://blog.example/go?url=https%3A%2F%2Fmega.nz%2Ffile%2FX", "https://mega.nz/file/X"},
		{"https://blog.example/out?u=https%3A%2F%2Fkatfile.com%2Fabc", "https://katfile.com/abc"},
		{"https://blog.example/page#https://pixeldrain.com/u/xyz", "https://pixeldrain.com/u/xyz"},
		{"https://redir/path#url=https%3A%2F%2Ffiles.example.com%2Fa.torrent", "https://files.example.com/a.torrent"},
		{"https://blog.example/gate#" + "u=" + encoded, "https://rapidgator.net/file/abc"},
		{"magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567", "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"},
		{"https://plain.example/file.zip", "https://plain.example/file.zip"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, decodeRedirect(tt.in), tt.in)
	}
}

func TestPostMagnetAndDataAttributeLinks(t *testing.T) {
	const magnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=CoolApp"

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h2><a href="/post/torrent-app">Torrent App</a></h2></body></html>`))
	})
	mux.HandleFunc("/post/torrent-app", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="entry-content">
<a href="` + magnet + `">Magnet</a>
<a data-href="https://mega.nz/file/hidden">Mirror</a>
<a href="#" onclick="window.open('https://pixeldrain.com/u/onclick1')">Open</a>
</div></body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestSource(testTemplateConfig(server.URL+"/search?q={query}", server.Listener.Addr().String()))

	results, err := s.Search(context.Background(), "torrent app", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var urls []string
	for _, candidate := range results[0].LinkCandidates {
		urls = append(urls, candidate.URL)
	}
	assert.Contains(t, urls, magnet)
	assert.Contains(t, urls, "https://mega.nz/file/hidden")
	assert.Contains(t, urls, "https://pixeldrain.com/u/onclick1")
}

func TestFollowRedirectFallsBackToGet(t *testing.T) {
	target := "https://rapidgator.net/file/from-get"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	assert.Equal(t, target, followRedirect(context.Background(), client, server.URL+"/go/abc"))
}

func TestResolveGatewayLinksFollowsWrapperLookalikes(t *testing.T) {
	target := "https://nitroflare.com/view/unwrapped"
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	}))
	defer gateway.Close()

	s := newTestSource()
	tcfg := testTemplateConfig("https://blog.example/?s={query}", "blog.example")

	// Off-site, but the path still carries a wrapper marker.
	links := s.resolveGatewayLinks(context.Background(), tcfg, []string{gateway.URL + "/goto/abc"})
	assert.Equal(t, []string{target}, links)
}

func TestIsGated(t *testing.T) {
	assert.True(t, isGated("Click to show download links"))
	assert.True(t, isGated("The LINKS ARE HIDDEN from guests"))
	assert.True(t, isGated("You must be registered to continue"))
	assert.True(t, isGated("Please solve the reCAPTCHA below"))
	assert.False(t, isGated("Download below"))
}

func TestSearchGatedPostsSetLastError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h2><a href="/post/gated-app">Gated App</a></h2></body></html>`))
	})
	mux.HandleFunc("/post/gated-app", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(gatedPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestSource(testTemplateConfig(server.URL+"/search?q={query}", server.Listener.Addr().String()))

	results, err := s.Search(context.Background(), "gated app", 1)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, "HTTP source appears gated (captcha/login), so download links may be hidden.", s.LastError())
}

func TestAdapterFor(t *testing.T) {
	assert.Equal(t, "palined", adapterFor("http://palined.com/search/?q={query}").name)
	assert.Equal(t, "nmac", adapterFor("https://nmac.to/?s={query}").name)
	assert.Equal(t, "audioz", adapterFor("https://audioz.download/?s={query}").name)
	assert.Equal(t, "generic", adapterFor("https://unknown.example/?s={query}").name)
	assert.True(t, adapterFor("http://palined.com/search/?q={query}").directResults)
}

func TestHealthEMA(t *testing.T) {
	h := newHealthTracker()
	h.recordSuccess("site", 100*time.Millisecond)
	h.recordSuccess("site", 200*time.Millisecond)

	status := h.status()["site"].(map[string]any)
	// 100*0.8 + 200*0.2 = 120
	assert.InDelta(t, 120.0, status["avg_latency_ms"].(float64), 0.001)
}
