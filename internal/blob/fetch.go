package blob

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxRemoteImage caps how much of a remote image is read.
const maxRemoteImage = 25 << 20

// Fetcher resolves image URLs to bytes: local blob URLs through the
// registry, data URLs by decoding, and http(s) URLs with a GET.
type Fetcher struct {
	registry *Registry
	http     *http.Client
}

// NewFetcher creates a fetcher. If client is nil a client with a 30s
// timeout is used.
func NewFetcher(registry *Registry, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{registry: registry, http: client}
}

// Fetch returns the bytes and content type behind url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	switch {
	case IsLocal(url):
		return f.registry.Get(url)
	case strings.HasPrefix(url, "data:"):
		return DecodeDataURL(url)
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return f.fetchRemote(ctx, url)
	default:
		return nil, "", fmt.Errorf("blob: unsupported url %q", truncate(url, 40))
	}
}

func (f *Fetcher) fetchRemote(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("blob: create request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("blob: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("blob: fetch %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteImage))
	if err != nil {
		return nil, "", fmt.Errorf("blob: read %s: %w", url, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// EncodeDataURL returns a base64 data URL for data.
func EncodeDataURL(data []byte, contentType string) string {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits "data:<mime>;base64,<payload>" into bytes and mime type.
func DecodeDataURL(url string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("blob: invalid data url")
	}

	contentType, encoding, _ := strings.Cut(meta, ";")
	if encoding != "base64" {
		return nil, "", fmt.Errorf("blob: data url is not base64 encoded")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("blob: decode data url: %w", err)
	}
	return data, contentType, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
