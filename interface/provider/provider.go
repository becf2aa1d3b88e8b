// Package provider implements the acquisition-retrieval protocol against each
// remote data provider. Every adapter owns its wire protocol (query syntax,
// authentication handshake, pagination cursor) entirely internally.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
)

// Provider is the capability set a remote data provider must supply
type Provider interface {
	// Name of the provider
	Name() string

	// Key is the provider identifier used for credential lookup,
	// by convention the provider hostname
	Key() string

	// Supports reports whether the provider serves products of the sensor
	Supports(sensorID string) bool

	// Authenticate establishes or refreshes a session. It is idempotent:
	// called again with a still-valid context it returns the same context
	// without any network exchange. Concurrent refreshes for the same
	// credential are serialized.
	Authenticate(ctx context.Context, cred credentials.Credential) (*AuthContext, error)

	// Search returns a lazy, restartable sequence of candidate records.
	// Pages are fetched transparently on iteration; iterating again
	// re-issues the underlying query.
	Search(ctx context.Context, auth *AuthContext, sensorID string, criteria common.SearchCriteria) (*ResultSet, error)

	// Fetch streams the product to destPath, resuming a partial file when
	// the transport allows byte ranges and restarting otherwise. It only
	// succeeds once the written bytes match the declared size (when known).
	Fetch(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destPath string) error
}

// Quicklooker is implemented by providers able to serve a preview image of
// a product. Quicklook writes the image into destDir and returns its path.
type Quicklooker interface {
	Quicklook(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destDir string) (string, error)
}

// MetadataFetcher is implemented by providers exposing the detailed product
// attributes beyond what the search record carries.
type MetadataFetcher interface {
	Metadata(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord) (map[string]string, error)
}

// AuthContext is the session state returned by Authenticate. It is owned by
// one provider session and is not safe for concurrent mutation.
type AuthContext struct {
	Token   string
	Expires time.Time

	// session carries adapter-private state (e.g. an SDK configuration)
	session any
}

// Valid reports whether the context can still be used as-is
func (a *AuthContext) Valid() bool {
	return a != nil && time.Now().Before(a.Expires)
}

// Invalidate forces the next Authenticate call to perform a real refresh.
// Used when the provider rejects a token before its declared expiry.
func (a *AuthContext) Invalidate() {
	a.Expires = time.Time{}
}

// ErrProductNotFound is an error returned when a product is not found or available
type ErrProductNotFound struct {
	Product string
}

func (e ErrProductNotFound) Error() string {
	return fmt.Sprintf("Product not found or unavailable: %s", e.Product)
}

// AuthError reports a failed or expired authentication
type AuthError struct {
	Provider string
	Expired  bool
	Err      error
}

func (e *AuthError) Error() string {
	if e.Expired {
		return fmt.Sprintf("%s: authentication expired: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrProviderNotFound is returned by the registry for an unknown provider or
// an unsupported sensor
type ErrProviderNotFound struct {
	Key string
}

func (e ErrProviderNotFound) Error() string {
	return fmt.Sprintf("no provider for: %s", e.Key)
}

// Registry holds the configured providers, keyed by provider key.
// Resolution order for a sensor follows registration order.
type Registry struct {
	m     map[string]Provider
	order []string
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{m: map[string]Provider{}}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	if _, ok := r.m[p.Key()]; !ok {
		r.order = append(r.order, p.Key())
	}
	r.m[p.Key()] = p
}

// Get returns the provider registered under the given key
func (r *Registry) Get(key string) (Provider, error) {
	p, ok := r.m[key]
	if !ok {
		return nil, ErrProviderNotFound{key}
	}
	return p, nil
}

// ForSensor returns the first registered provider supporting the sensor
func (r *Registry) ForSensor(sensorID string) (Provider, error) {
	for _, key := range r.order {
		if r.m[key].Supports(sensorID) {
			return r.m[key], nil
		}
	}
	return nil, ErrProviderNotFound{sensorID}
}

// Providers returns the registered providers in registration order
func (r *Registry) Providers() []Provider {
	providers := make([]Provider, 0, len(r.order))
	for _, key := range r.order {
		providers = append(providers, r.m[key])
	}
	return providers
}
