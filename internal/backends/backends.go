// Package backends holds the table of configured upstream registries.
//
// The table is assembled once at startup and never mutated afterwards, so
// concurrent reads need no locking. Loading precedence: built-in defaults,
// replaced by the config-file list when one is given, replaced again by the
// environment-provided JSON list when set.
package backends

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/xregistry/ociwrap/core"
)

// DefaultCatalogPath is the standard OCI repository listing endpoint.
const DefaultCatalogPath = "/v2/_catalog"

// Table maps backend names to their configuration.
type Table struct {
	entries map[string]core.Backend
	names   []string
}

// Defaults returns the built-in backend list. Docker Hub ships with its
// catalog disabled because registry-1.docker.io does not expose _catalog.
func Defaults() []core.Backend {
	return []core.Backend{
		{
			Name:        "dockerhub",
			RegistryURL: "https://registry-1.docker.io",
			CatalogPath: core.CatalogDisabled,
		},
	}
}

// New builds the backend table. A non-empty fromFile list replaces the
// defaults; a non-empty envJSON (a JSON array of backend objects) replaces
// whatever came before it.
func New(fromFile []core.Backend, envJSON string) (*Table, error) {
	list := Defaults()
	if len(fromFile) > 0 {
		list = fromFile
	}
	if strings.TrimSpace(envJSON) != "" {
		parsed, err := ParseJSON(envJSON)
		if err != nil {
			return nil, fmt.Errorf("parse backends from environment: %w", err)
		}
		list = parsed
	}

	t := &Table{entries: make(map[string]core.Backend, len(list))}
	for _, b := range list {
		normalized, err := normalize(b)
		if err != nil {
			return nil, err
		}
		if _, dup := t.entries[normalized.Name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", normalized.Name)
		}
		t.entries[normalized.Name] = normalized
		t.names = append(t.names, normalized.Name)
	}
	return t, nil
}

// ParseJSON decodes a JSON array of backend objects using the configuration
// wire field names.
func ParseJSON(raw string) ([]core.Backend, error) {
	var specs []backendJSON
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}
	out := make([]core.Backend, 0, len(specs))
	for _, s := range specs {
		out = append(out, core.Backend{
			Name:        s.Name,
			RegistryURL: s.RegistryURL,
			Username:    s.Username,
			Password:    core.Secret(s.Password),
			CatalogPath: s.CatalogPath,
		})
	}
	return out, nil
}

type backendJSON struct {
	Name        string `json:"name"`
	RegistryURL string `json:"registryUrl"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	CatalogPath string `json:"catalogPath"`
}

func normalize(b core.Backend) (core.Backend, error) {
	if b.Name == "" {
		return b, fmt.Errorf("backend with registry URL %q has no name", b.RegistryURL)
	}
	u, err := url.Parse(b.RegistryURL)
	if err != nil || u.Host == "" {
		return b, fmt.Errorf("backend %q: invalid registry URL %q", b.Name, b.RegistryURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return b, fmt.Errorf("backend %q: registry URL must be http or https, got %q", b.Name, u.Scheme)
	}
	b.RegistryURL = strings.TrimRight(b.RegistryURL, "/")
	if b.CatalogPath == "" {
		b.CatalogPath = DefaultCatalogPath
	}
	if b.CatalogPath != core.CatalogDisabled && !strings.HasPrefix(b.CatalogPath, "/") {
		b.CatalogPath = "/" + b.CatalogPath
	}
	return b, nil
}

// Get returns the backend registered under name.
func (t *Table) Get(name string) (core.Backend, error) {
	b, ok := t.entries[name]
	if !ok {
		return core.Backend{}, fmt.Errorf("%w: %q", core.ErrBackendUnknown, name)
	}
	return b, nil
}

// Names returns the backend names in configuration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// All returns the backends in configuration order.
func (t *Table) All() []core.Backend {
	out := make([]core.Backend, 0, len(t.names))
	for _, name := range t.names {
		out = append(out, t.entries[name])
	}
	return out
}

// Len returns the number of configured backends.
func (t *Table) Len() int { return len(t.names) }

// CredentialFor returns the username and password for the backend whose
// registry host matches host. Used by the upstream client's credential
// callback, which is keyed by host rather than backend name.
func (t *Table) CredentialFor(host string) (string, core.Secret, bool) {
	for _, name := range t.names {
		b := t.entries[name]
		if b.Host() == host && b.HasCredentials() {
			return b.Username, b.Password, true
		}
	}
	return "", "", false
}
