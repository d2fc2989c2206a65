package epg

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fetchDoc = `<tv>
<programme channel="c1"><title>one</title></programme>
<programme channel="c2"><title>two</title></programme>
</tv>`

func TestRefresh_XMLContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		fmt.Fprint(w, fetchDoc)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	res, err := NewFetcher(outDir).Refresh(srv.URL + "/guide")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Channels)

	assert.FileExists(t, filepath.Join(outDir, "c1.xml"))
	assert.FileExists(t, filepath.Join(outDir, "c2.xml"))
}

func TestRefresh_GzippedBody(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(fetchDoc))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	outDir := t.TempDir()
	res, err := NewFetcher(outDir).Refresh(srv.URL + "/guide.gz")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Channels)
}

func TestRefresh_OctetStreamIsGunzipped(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(fetchDoc))
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Refresh(srv.URL + "/download")
	require.NoError(t, err)
}

func TestRefresh_ExtensionFallbackFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No usable Content-Type mapping; the .xml suffix decides.
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, fetchDoc)
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Refresh(srv.URL + "/epg.xml")
	require.NoError(t, err)
}

func TestRefresh_UnknownContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "")
		fmt.Fprint(w, fetchDoc)
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Refresh(srv.URL + "/noext")
	assert.ErrorIs(t, err, ErrUnknownContentType)
}

func TestRefresh_UnsupportedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Refresh(srv.URL + "/readme.txt")
	var uerr *UnsupportedContentTypeError
	assert.ErrorAs(t, err, &uerr)
}

func TestRefresh_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Refresh(srv.URL + "/gone.xml")
	var serr *HTTPStatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
}

func TestRefresh_FiveRedirectsSucceed(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hop := r.URL.Query().Get("hop")
		switch hop {
		case "", "1", "2", "3", "4":
			next := "1"
			if hop != "" {
				next = fmt.Sprintf("%c", hop[0]+1)
			}
			http.Redirect(w, r, "/guide.xml?hop="+next, http.StatusFound)
		default:
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, fetchDoc)
		}
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Refresh(srv.URL + "/guide.xml")
	require.NoError(t, err)
}

func TestRefresh_SixthRedirectFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Refresh(srv.URL + "/loop.xml")
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestRefresh_RedirectThenGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(fetchDoc))
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/epg.gz", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	outDir := t.TempDir()
	res, err := NewFetcher(outDir).Refresh(srv.URL + "/start")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Channels)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRefresh_BadScheme(t *testing.T) {
	_, err := NewFetcher(t.TempDir()).Refresh("ftp://example.com/epg.xml")
	assert.Error(t, err)
}

func TestEffectiveExtension(t *testing.T) {
	tests := []struct {
		contentType string
		urlPath     string
		want        string
	}{
		{"text/xml; charset=utf-8", "/guide", "xml"},
		{"application/xml", "/guide", "xml"},
		{"application/gzip", "/guide", "gz"},
		{"application/octet-stream", "/guide", "bin"},
		{"text/plain", "/guide.xml", "xml"},
		{"", "/guide.gz", "gz"},
		{"", "/guide", ""},
	}

	for _, tt := range tests {
		u := mustParseURL(t, "http://example.com"+tt.urlPath)
		got := effectiveExtension(tt.contentType, u)
		assert.Equal(t, tt.want, got, "content-type %q path %q", tt.contentType, tt.urlPath)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestIsXMLExtension(t *testing.T) {
	assert.True(t, isXMLExtension("xml"))
	assert.True(t, isXMLExtension("XML"))
	assert.True(t, isXMLExtension("*xml"))
	assert.False(t, isXMLExtension("gz"))
	assert.False(t, isXMLExtension("html"))
}
