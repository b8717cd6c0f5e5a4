// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"fmt"
	"time"
)

// EntityType declares one synchronized store: its scoping rule, REST
// endpoint, staleness TTL and default queue priority. Scoping is a per-type
// declaration, never inferred from call sites.
type EntityType struct {
	// Name is the store name, e.g. "machines".
	Name string

	// Global marks tenant-independent reference data (shared protocol
	// templates). Records in a global store carry no owner scope and are
	// visible to every authenticated user.
	Global bool

	// Endpoint is the REST collection path on the remote API, e.g. "/machines".
	Endpoint string

	// Priority is the default queue priority for mutations against this type.
	// Lower values are replayed first, so parent-creating types must declare a
	// lower priority than their dependent child types.
	Priority int

	// TTL overrides the engine-wide reference TTL for staleness checks.
	// Zero means use Config.ReferenceTTL.
	TTL time.Duration
}

// Registry holds the declared entity types, in declaration order.
type Registry struct {
	types map[string]EntityType
	order []string
}

// NewRegistry builds a registry from the given declarations.
func NewRegistry(types []EntityType) (*Registry, error) {
	r := &Registry{types: make(map[string]EntityType, len(types))}
	for _, et := range types {
		if et.Name == "" {
			return nil, fmt.Errorf("entity type with empty name")
		}
		if _, dup := r.types[et.Name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", et.Name)
		}
		r.types[et.Name] = et
		r.order = append(r.order, et.Name)
	}
	return r, nil
}

// Lookup returns the declaration for name.
func (r *Registry) Lookup(name string) (EntityType, bool) {
	et, ok := r.types[name]
	return et, ok
}

// Names returns store names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// PhotoStore is the store holding inline photo attachments.
const PhotoStore = "photos"

// DefaultEntityTypes returns the field-operations entity set.
//
// Protocol templates are shared across tenants and declared global; machine,
// site and user membership differ per tenant and stay scoped. Transactional
// types are ordered so that a maintenance execution is always replayed before
// its checklist completions, and photos upload last.
func DefaultEntityTypes() []EntityType {
	return []EntityType{
		{Name: "machines", Endpoint: "/machines", Priority: 50},
		{Name: "sites", Endpoint: "/sites", Priority: 50},
		{Name: "users", Endpoint: "/users", Priority: 50},
		{Name: "protocols", Endpoint: "/protocols", Priority: 50, Global: true},
		{Name: "maintenance_executions", Endpoint: "/maintenance-executions", Priority: 10},
		{Name: "checklist_completions", Endpoint: "/checklist-completions", Priority: 20},
		{Name: "cleaning_records", Endpoint: "/cleaning-records", Priority: 10},
		{Name: PhotoStore, Endpoint: "/photos", Priority: 30},
	}
}
