// Package blob keeps captured image bytes behind short-lived local URLs and
// resolves any image URL (local, data or http) back to bytes.
package blob

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Scheme prefixes every URL handed out by a Registry.
const Scheme = "blob:mealscan/"

// ErrRevoked is returned when a local URL was never created or has been revoked.
var ErrRevoked = errors.New("blob url revoked or unknown")

type object struct {
	data        []byte
	contentType string
}

// Registry maps local object URLs to image bytes. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]object
	log     logrus.FieldLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{
		objects: make(map[string]object),
		log:     log,
	}
}

// Create stores data and returns a new local URL for it.
func (r *Registry) Create(data []byte, contentType string) string {
	url := Scheme + uuid.New().String()

	r.mu.Lock()
	r.objects[url] = object{data: data, contentType: contentType}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"url": url, "bytes": len(data)}).Debug("blob created")
	return url
}

// Get returns the bytes behind a local URL.
func (r *Registry) Get(url string) ([]byte, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obj, ok := r.objects[url]
	if !ok {
		return nil, "", ErrRevoked
	}
	return obj.data, obj.contentType, nil
}

// Revoke releases a local URL. Returns false if it was not live.
func (r *Registry) Revoke(url string) bool {
	r.mu.Lock()
	_, ok := r.objects[url]
	delete(r.objects, url)
	r.mu.Unlock()

	if ok {
		r.log.WithField("url", url).Debug("blob revoked")
	}
	return ok
}

// Live reports whether url is still resolvable.
func (r *Registry) Live(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.objects[url]
	return ok
}

// Len returns the number of live URLs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// IsLocal reports whether url was produced by a Registry.
func IsLocal(url string) bool {
	return strings.HasPrefix(url, Scheme)
}
