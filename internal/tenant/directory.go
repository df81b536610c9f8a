// Package tenant holds per-tenant secrets and provider configuration loaded
// from a YAML file. Lookups read an immutable snapshot; Reload swaps it.
package tenant

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"voice-platform/internal/provider"
	"voice-platform/internal/usage"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// Tenant is one entry of the directory file.
type Tenant struct {
	Name string `yaml:"name"`

	// WebhookSecrets maps provider id (twilio, elevenlabs, vapi) to its signing secret.
	WebhookSecrets map[string]string `yaml:"webhook_secrets"`

	// Credentials are named vendor credentials referenced by bindings.
	Credentials map[string]provider.Credentials `yaml:"credentials"`

	// Bindings are the default adapter lists per capability, used when the
	// store holds none for the tenant.
	Bindings map[usage.Capability][]provider.Binding `yaml:"bindings"`
}

type file struct {
	Tenants map[string]Tenant `yaml:"tenants"`
}

// Snapshot is an immutable view of the directory.
type Snapshot struct {
	tenants map[string]Tenant
}

// Parse decodes a directory document. ${VAR} references are expanded from
// the environment so secrets can stay out of the file. Unknown keys are errors.
func Parse(r io.Reader) (*Snapshot, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tenant directory: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	if f.Tenants == nil {
		f.Tenants = map[string]Tenant{}
	}
	return &Snapshot{tenants: f.Tenants}, nil
}

func (f file) validate() error {
	var errs []error
	ids := make([]string, 0, len(f.Tenants))
	for id := range f.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := f.Tenants[id]
		if id == "" {
			errs = append(errs, errors.New("tenant id must not be empty"))
		}
		for capability, bs := range t.Bindings {
			if !capability.Valid() {
				errs = append(errs, fmt.Errorf("tenant %s: unknown capability %q", id, capability))
				continue
			}
			for i, b := range bs {
				if b.Vendor == "" {
					errs = append(errs, fmt.Errorf("tenant %s: %s binding %d has no vendor", id, capability, i))
				}
				if b.CredentialsRef != "" {
					if _, ok := t.Credentials[b.CredentialsRef]; !ok {
						errs = append(errs, fmt.Errorf("tenant %s: %s binding %s references unknown credentials %q", id, capability, b.Vendor, b.CredentialsRef))
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Directory serves lookups from the current snapshot.
type Directory struct {
	path string
	cur  atomic.Pointer[Snapshot]
}

// Open loads path. An empty path yields an empty directory, in which every
// webhook fails authentication.
func Open(path string) (*Directory, error) {
	d := &Directory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStatic builds a directory from in-memory tenants. Reload is a no-op.
func NewStatic(tenants map[string]Tenant) *Directory {
	d := &Directory{}
	if tenants == nil {
		tenants = map[string]Tenant{}
	}
	d.cur.Store(&Snapshot{tenants: tenants})
	return d
}

// Reload re-reads the file. On error the previous snapshot stays in place.
func (d *Directory) Reload() error {
	if d.path == "" {
		if d.cur.Load() == nil {
			d.cur.Store(&Snapshot{tenants: map[string]Tenant{}})
		}
		return nil
	}
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("tenant directory: %w", err)
	}
	defer f.Close()

	snap, err := Parse(f)
	if err != nil {
		return err
	}
	d.cur.Store(snap)
	return nil
}

func (d *Directory) Len() int { return len(d.cur.Load().tenants) }

func (d *Directory) Tenant(id string) (Tenant, bool) {
	t, ok := d.cur.Load().tenants[id]
	return t, ok
}

// SigningSecret returns the tenant's webhook secret for provider.
func (d *Directory) SigningSecret(tenantID, providerID string) (string, bool) {
	t, ok := d.Tenant(tenantID)
	if !ok {
		return "", false
	}
	s, ok := t.WebhookSecrets[providerID]
	return s, ok && s != ""
}

func (d *Directory) Credentials(tenantID, ref string) (provider.Credentials, bool) {
	t, ok := d.Tenant(tenantID)
	if !ok {
		return provider.Credentials{}, false
	}
	c, ok := t.Credentials[ref]
	return c, ok
}

// CredentialLookup binds Credentials to one tenant for the provider registry.
func (d *Directory) CredentialLookup(tenantID string) provider.CredentialLookup {
	return func(ref string) (provider.Credentials, bool) {
		return d.Credentials(tenantID, ref)
	}
}

// Bindings returns a copy of the tenant's default bindings for capability.
func (d *Directory) Bindings(tenantID string, capability usage.Capability) []provider.Binding {
	t, ok := d.Tenant(tenantID)
	if !ok {
		return nil
	}
	return append([]provider.Binding(nil), t.Bindings[capability]...)
}
