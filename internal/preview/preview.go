// Package preview stores scan images somewhere that outlives local blob URLs,
// so a preview started on one screen can still be shown on another.
package preview

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/blob"
)

// ErrTooLarge is returned when an image exceeds the persister's size limit.
var ErrTooLarge = errors.New("preview: image too large")

// Persister stores image bytes and returns a URL that stays valid for the
// session.
type Persister interface {
	Persist(ctx context.Context, data []byte, contentType string) (string, error)
}

// DataURL inlines images as base64 data URLs.
type DataURL struct {
	MaxBytes int // 0 means no limit
}

var _ Persister = DataURL{}

// Persist implements Persister.
func (d DataURL) Persist(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("preview: empty image")
	}
	if d.MaxBytes > 0 && len(data) > d.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return blob.EncodeDataURL(data, contentType), nil
}

// Config selects and configures a persister.
type Config struct {
	Type          string // "dataurl" (default) or "s3"
	Bucket        string
	Region        string
	Prefix        string
	PublicBaseURL string
}

// New builds the persister named by cfg.Type.
func New(ctx context.Context, cfg Config, log logrus.FieldLogger) (Persister, error) {
	switch cfg.Type {
	case "", "dataurl":
		return DataURL{MaxBytes: 8 << 20}, nil
	case "s3":
		return NewS3(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("preview: unknown type %q", cfg.Type)
	}
}
