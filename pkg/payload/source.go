package payload

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/aota/internal/utils"
)

// Source provides random access to payload bytes. Implementations must be
// safe for concurrent ReadAt calls.
type Source interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// Options configures remote sources.
type Options struct {
	Proxy    string // http proxy URL, empty means environment
	Insecure bool   // skip TLS verification
	Client   *http.Client
}

func (o *Options) client() *http.Client {
	if o != nil && o.Client != nil {
		return o.Client
	}
	var proxy string
	var insecure bool
	if o != nil {
		proxy = o.Proxy
		insecure = o.Insecure
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           getProxy(proxy),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
		},
	}
}

func getProxy(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).Error("bad proxy url, falling back to environment")
			return http.ProxyFromEnvironment
		}
		return http.ProxyURL(proxyURL)
	}
	return http.ProxyFromEnvironment
}

// FileSource reads a payload from the local filesystem.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFile opens path as a payload source.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %v", path, err)
	}
	return &FileSource{f: f, size: fi.Size()}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if err == io.EOF && n < len(p) {
		return n, fmt.Errorf("%w: wanted %d bytes at offset %d, got %d", ErrShortRead, len(p), off, n)
	}
	return n, err
}

func (s *FileSource) Size() int64 {
	return s.size
}

func (s *FileSource) Close() error {
	return s.f.Close()
}

// HTTPSource reads a payload over HTTP(S) range requests. The context given
// to NewHTTPSource bounds every request made through it.
type HTTPSource struct {
	url    string
	client *http.Client
	agent  string
	size   int64
	ctx    context.Context
}

// NewHTTPSource probes url for size and range support. Servers that cannot
// serve ranges fail here with ErrRangeUnsupported before any data request
// goes out.
func NewHTTPSource(ctx context.Context, payloadURL string, opts *Options) (*HTTPSource, error) {
	src := &HTTPSource{
		url:    payloadURL,
		client: opts.client(),
		agent:  utils.RandomAgent(),
		ctx:    ctx,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, payloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", src.agent)

	resp, err := src.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 && resp.Header.Get("Accept-Ranges") == "bytes" {
		src.size = resp.ContentLength
		log.WithFields(log.Fields{
			"url":  payloadURL,
			"size": src.size,
		}).Debug("range support advertised")
		return src, nil
	}

	// some servers only reveal range support on an actual ranged GET
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, payloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", src.agent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err = src.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
			return nil, fmt.Errorf("%w: %s returned %s", ErrUnreachable, payloadURL, resp.Status)
		}
		return nil, fmt.Errorf("%w: %s responded %s to a ranged request", ErrRangeUnsupported, payloadURL, resp.Status)
	}

	src.size, err = contentRangeTotal(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, fmt.Errorf("failed to probe size of %s: %v", payloadURL, err)
	}

	return src, nil
}

// contentRangeTotal pulls the total length out of a "bytes 0-0/12345" header.
func contentRangeTotal(cr string) (int64, error) {
	idx := strings.LastIndex(cr, "/")
	if idx < 0 || idx == len(cr)-1 {
		return 0, fmt.Errorf("bad Content-Range %q", cr)
	}
	return strconv.ParseInt(cr[idx+1:], 10, 64)
}

func (s *HTTPSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	err := utils.Retry(3, time.Second, func() error {
		req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return utils.Unrecoverable(err)
		}
		req.Header.Set("User-Agent", s.agent)
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

		resp, err := s.client.Do(req)
		if err != nil {
			if s.ctx.Err() != nil {
				return utils.Unrecoverable(s.ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusPartialContent:
			// fallthrough to the read below
		case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable || resp.StatusCode == http.StatusOK:
			io.Copy(io.Discard, resp.Body)
			return utils.Unrecoverable(fmt.Errorf("%w: %s responded %s to a ranged request", ErrRangeUnsupported, s.url, resp.Status))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			io.Copy(io.Discard, resp.Body)
			return utils.Unrecoverable(fmt.Errorf("%w: %s returned %s", ErrUnreachable, s.url, resp.Status))
		default:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%s returned %s", s.url, resp.Status)
		}

		if _, err := io.ReadFull(resp.Body, p); err != nil {
			return fmt.Errorf("%w: wanted %d bytes at offset %d: %v", ErrShortRead, len(p), off, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *HTTPSource) Size() int64 {
	return s.size
}

func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// sectionSource exposes a sub-range of a parent source, used for a
// payload.bin stored inside an OTA zip.
type sectionSource struct {
	r      *io.SectionReader
	parent Source
}

// NewSection carves [off, off+size) out of parent. Closing the section
// closes the parent.
func NewSection(parent Source, off, size int64) Source {
	return &sectionSource{
		r:      io.NewSectionReader(parent, off, size),
		parent: parent,
	}
}

func (s *sectionSource) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

func (s *sectionSource) Size() int64 {
	return s.r.Size()
}

func (s *sectionSource) Close() error {
	return s.parent.Close()
}
