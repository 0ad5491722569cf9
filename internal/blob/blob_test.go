package blob

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/franckalain/mealscan/internal/logging"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(logging.Discard())

	url := reg.Create([]byte("jpeg"), "image/jpeg")
	if !IsLocal(url) {
		t.Fatalf("expected local url, got %q", url)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 live url, got %d", reg.Len())
	}

	data, ct, err := reg.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "jpeg" || ct != "image/jpeg" {
		t.Fatalf("unexpected object %q %q", data, ct)
	}

	if !reg.Revoke(url) {
		t.Fatal("expected first revoke to report live url")
	}
	if reg.Revoke(url) {
		t.Fatal("expected second revoke to be a no-op")
	}
	if _, _, err := reg.Get(url); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	url := EncodeDataURL([]byte{0xff, 0xd8, 0x00}, "image/jpeg")

	data, ct, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", ct)
	}
	if len(data) != 3 || data[0] != 0xff {
		t.Fatalf("unexpected payload %v", data)
	}

	if _, _, err := DecodeDataURL("data:image/png,raw"); err == nil {
		t.Fatal("expected error for non-base64 data url")
	}
}

func TestFetcherSchemes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("remote"))
	}))
	defer srv.Close()

	reg := NewRegistry(logging.Discard())
	f := NewFetcher(reg, srv.Client())
	ctx := context.Background()

	local := reg.Create([]byte("local"), "image/jpeg")

	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"blob", local, "local", false},
		{"data", EncodeDataURL([]byte("inline"), "image/png"), "inline", false},
		{"http", srv.URL + "/img.jpg", "remote", false},
		{"http 404", srv.URL + "/missing.jpg", "", true},
		{"unknown scheme", "ftp://x/y.jpg", "", true},
		{"revoked blob", Scheme + "nope", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _, err := f.Fetch(ctx, tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(data) != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, data)
			}
		})
	}
}
