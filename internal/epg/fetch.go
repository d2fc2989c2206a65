package epg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tlejmi/fastocloud-epg/internal/logging"
)

// maxRedirects is how many 302 hops a refresh will follow.
const maxRedirects = 5

// maxBodySize bounds a fetched document.
const maxBodySize = 128 << 20

// ErrTooManyRedirects is returned after the redirect budget is spent.
var ErrTooManyRedirects = errors.New("epg: too many redirects")

// ErrUnknownContentType is returned when neither the Content-Type header
// nor the URL filename yields a usable extension.
var ErrUnknownContentType = errors.New("epg: unknown link content")

// HTTPStatusError reports a non-200, non-redirect response.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("epg: wrong http response code: %d", e.Code)
}

// UnsupportedContentTypeError reports a content type the splitter cannot
// consume.
type UnsupportedContentTypeError struct {
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("epg: not supported content type: %s", e.ContentType)
}

// mimeExtensions maps trimmed Content-Type values to file extensions.
var mimeExtensions = map[string]string{
	"text/xml":                 "xml",
	"application/xml":          "xml",
	"application/xhtml+xml":    "xml",
	"application/gzip":         "gz",
	"application/x-gzip":       "gz",
	"application/octet-stream": "bin",
}

// Fetcher downloads EPG documents over HTTP(S) and runs them through the
// splitter. The transport (plain TCP or TLS) follows the URL scheme.
type Fetcher struct {
	client *http.Client
	outDir string
}

// NewFetcher creates a fetcher writing per-channel files into outDir.
func NewFetcher(outDir string) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: 2 * time.Minute,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are followed by hand in fetch.
				return http.ErrUseLastResponse
			},
		},
		outDir: outDir,
	}
}

// Refresh downloads rawURL, decodes the body according to its content type
// and splits the contained XMLTV document into the output directory.
func (f *Fetcher) Refresh(rawURL string) (Result, error) {
	log := logging.Component("epg")
	log.Info().Str("url", rawURL).Msg("epg url refresh request")

	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("epg: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, fmt.Errorf("epg: unsupported url scheme: %s", u.Scheme)
	}

	body, contentType, err := f.fetch(u)
	if err != nil {
		return Result{}, err
	}

	ext := effectiveExtension(contentType, u)
	if ext == "" {
		return Result{}, ErrUnknownContentType
	}

	switch {
	case isXMLExtension(ext):
		return Split(bytes.NewReader(body), f.outDir)
	case strings.EqualFold(ext, "gz") || strings.EqualFold(ext, "bin"):
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("epg: gzip decode: %w", err)
		}
		defer gz.Close()
		return Split(gz, f.outDir)
	default:
		return Result{}, &UnsupportedContentTypeError{ContentType: contentType}
	}
}

// fetch performs the GET, following up to maxRedirects 302 hops.
func (f *Fetcher) fetch(u *url.URL) ([]byte, string, error) {
	redirects := 0
	for {
		resp, err := f.client.Get(u.String())
		if err != nil {
			return nil, "", fmt.Errorf("epg: fetch %s: %w", u, err)
		}

		if resp.StatusCode == http.StatusFound {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc != "" {
				redirects++
				if redirects > maxRedirects {
					return nil, "", ErrTooManyRedirects
				}
				next, err := u.Parse(loc)
				if err != nil {
					return nil, "", fmt.Errorf("epg: bad redirect location: %w", err)
				}
				u = next
				continue
			}
			return nil, "", &HTTPStatusError{Code: resp.StatusCode}
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", &HTTPStatusError{Code: resp.StatusCode}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		if err != nil {
			return nil, "", fmt.Errorf("epg: read body: %w", err)
		}
		return body, resp.Header.Get("Content-Type"), nil
	}
}

// effectiveExtension resolves the file extension from the Content-Type
// header, falling back to the URL's filename extension.
func effectiveExtension(contentType string, u *url.URL) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)

	if ext, ok := mimeExtensions[strings.ToLower(ct)]; ok {
		return ext
	}
	return strings.TrimPrefix(path.Ext(u.Path), ".")
}

// isXMLExtension accepts "xml" case-insensitively, with an optional
// leading '*' as some MIME tables produce.
func isXMLExtension(ext string) bool {
	return strings.EqualFold(strings.TrimPrefix(ext, "*"), "xml")
}
