package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Credentials decorates an outgoing request with authentication.
type Credentials interface {
	Apply(req *http.Request)
}

// BasicAuth supplies HTTP basic authentication.
type BasicAuth struct {
	Username string
	Password string
}

// Apply implements Credentials.
func (c BasicAuth) Apply(req *http.Request) {
	req.SetBasicAuth(c.Username, c.Password)
}

// BearerToken supplies a bearer token.
type BearerToken struct {
	Token string
}

// Apply implements Credentials.
func (c BearerToken) Apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.Token)
}

// Endpoint is a named remote bus instance.
type Endpoint struct {
	Name        string
	Address     *url.URL
	Credentials Credentials
}

// NewEndpoint parses address and returns the endpoint. The address must be
// an absolute http or https URI.
func NewEndpoint(name, address string, creds Credentials) (Endpoint, error) {
	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint address %q: %w", address, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return Endpoint{}, fmt.Errorf("endpoint address %q is not an absolute http(s) URI", address)
	}
	return Endpoint{Name: name, Address: u, Credentials: creds}, nil
}

// Endpoints resolves endpoints by name, and reverse-resolves credentials
// from destination URIs.
type Endpoints struct {
	byName map[string]Endpoint
}

// NewEndpoints builds an endpoint set. Later entries replace earlier ones
// with the same name.
func NewEndpoints(endpoints ...Endpoint) *Endpoints {
	set := &Endpoints{byName: make(map[string]Endpoint, len(endpoints))}
	for _, ep := range endpoints {
		set.byName[ep.Name] = ep
	}
	return set
}

// ByName returns the named endpoint or ErrEndpointNotFound.
func (e *Endpoints) ByName(name string) (Endpoint, error) {
	if e != nil {
		if ep, ok := e.byName[name]; ok {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("%w: %q", ErrEndpointNotFound, name)
}

// CredentialsFor returns the credentials of the endpoint whose address is a
// prefix of uri, or nil when no endpoint matches. Destinations outside the
// configured endpoints are delivered anonymously.
func (e *Endpoints) CredentialsFor(uri *url.URL) Credentials {
	if e == nil || uri == nil {
		return nil
	}
	for _, ep := range e.byName {
		if sameOrigin(ep.Address, uri) && strings.HasPrefix(uri.Path, ep.Address.Path) {
			return ep.Credentials
		}
	}
	return nil
}

// sameOrigin reports whether two URIs share scheme and host.
func sameOrigin(a, b *url.URL) bool {
	return a != nil && b != nil &&
		strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host)
}
