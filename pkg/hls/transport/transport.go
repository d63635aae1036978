// Package transport implements the URL-open/read/close contract the HLS
// client's MediaObject downloads use, plus the AES-128-CBC decrypting
// wrapper segments reference via the "crypto+" URL scheme marker.
package transport

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Options configures a single Open call: byte-range and decryption
// parameters, mirroring the options a media-object URL carries.
type Options struct {
	Offset    int64 // -1 = no range request
	EndOffset int64 // -1 = open-ended
	Key       []byte
	IV        []byte
}

// ReadCloser is a readable, closable response body plus the URL the
// transport actually served it from (following redirects).
type ReadCloser interface {
	io.ReadCloser
	ResolvedURL() string
}

// RoundTripper opens a URL for reading, honoring keep-alive reuse across
// calls against the same origin.
type RoundTripper interface {
	Open(ctx context.Context, rawURL string, opts Options) (ReadCloser, error)
}

// HTTPRoundTripper is the default RoundTripper, backed by a shared
// *http.Client so repeated opens against the same host reuse connections.
type HTTPRoundTripper struct {
	Client *http.Client
}

// NewHTTPRoundTripper returns a RoundTripper with sane connection-reuse
// defaults.
func NewHTTPRoundTripper(timeout time.Duration) *HTTPRoundTripper {
	return &HTTPRoundTripper{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type httpReadCloser struct {
	body io.ReadCloser
	url  string
}

func (r *httpReadCloser) Read(p []byte) (int, error) { return r.body.Read(p) }
func (r *httpReadCloser) Close() error                { return r.body.Close() }
func (r *httpReadCloser) ResolvedURL() string         { return r.url }

// Open performs the HTTP GET, applying a Range header when requested. The
// scheme prefix "crypto+" is stripped and used to wrap the resulting body
// with an AES-128-CBC decryptor before returning it, matching the demuxer's
// convention of marking encrypted segment URLs.
func (t *HTTPRoundTripper) Open(ctx context.Context, rawURL string, opts Options) (ReadCloser, error) {
	encrypted := false
	if strings.HasPrefix(rawURL, "crypto+") {
		encrypted = true
		rawURL = strings.TrimPrefix(rawURL, "crypto+")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if opts.Offset >= 0 {
		rangeHeader := "bytes=" + strconv.FormatInt(opts.Offset, 10) + "-"
		if opts.EndOffset > opts.Offset {
			rangeHeader += strconv.FormatInt(opts.EndOffset-1, 10)
		}
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("transport: unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	resolved := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		resolved = resp.Request.URL.String()
	}

	var body io.ReadCloser = resp.Body
	if encrypted {
		dec, err := newCBCDecryptReader(resp.Body, opts.Key, opts.IV)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		body = dec
	}

	return &httpReadCloser{body: body, url: resolved}, nil
}

// SameOrigin reports whether two absolute URLs share scheme, host, and
// port, the condition under which a playlist refresh may reuse the same
// keep-alive HTTP context rather than opening a fresh connection.
func SameOrigin(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}

// cbcDecryptReader streams AES-128-CBC decrypted plaintext from an
// encrypted source, decrypting up to 64 ciphertext blocks per source read.
type cbcDecryptReader struct {
	src      io.ReadCloser
	stream   cipher.BlockMode
	blockLen int
	pending  []byte
	atEOF    bool
}

func newCBCDecryptReader(src io.ReadCloser, key, iv []byte) (*cbcDecryptReader, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("transport: AES-128 key must be 16 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("transport: IV must be %d bytes, got %d", block.BlockSize(), len(iv))
	}
	return &cbcDecryptReader{
		src:      src,
		stream:   cipher.NewCBCDecrypter(block, iv),
		blockLen: block.BlockSize(),
	}, nil
}

func (r *cbcDecryptReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 && !r.atEOF {
		buf := make([]byte, r.blockLen*64)
		n, err := io.ReadFull(r.src, buf)
		if n > 0 {
			whole := n - (n % r.blockLen)
			if whole > 0 {
				r.stream.CryptBlocks(buf[:whole], buf[:whole])
				r.pending = append(r.pending, buf[:whole]...)
			}
		}
		if err != nil {
			r.atEOF = true
			r.pending = stripPKCS7(r.pending)
		}
	}
	if len(r.pending) == 0 && r.atEOF {
		return 0, io.EOF
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *cbcDecryptReader) Close() error { return r.src.Close() }

// stripPKCS7 removes PKCS#7 padding if the trailing byte looks like a valid
// pad length and every pad byte matches it; otherwise b is returned
// unmodified. The length of b is not checked against the block size.
func stripPKCS7(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return b
	}
	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return b
		}
	}
	return b[:len(b)-pad]
}
