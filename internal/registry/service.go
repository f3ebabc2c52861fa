package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cheddar/seaport/internal/crdt"
)

// Row types.
const (
	TypeService   = "service"
	TypeAddress   = "address"
	TypeAuthorize = "authorize"
)

// Service record fields.
const (
	FieldRole      = "role"
	FieldVersion   = "version"
	FieldPort      = "port"
	FieldHost      = "host"
	FieldNode      = "node"
	FieldHeartbeat = "heartbeat"
)

var reservedFields = map[string]bool{
	crdt.TypeField: true,
	"id":           true,
	FieldRole:      true,
	FieldVersion:   true,
	FieldPort:      true,
	FieldHost:      true,
	FieldNode:      true,
	FieldHeartbeat: true,
}

// Service is a registered service record.
type Service struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Version   string         `json:"version,omitempty"`
	Host      string         `json:"host,omitempty"`
	Port      int            `json:"port"`
	Node      string         `json:"node"`
	Heartbeat time.Time      `json:"heartbeat"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// String returns role@version host:port.
func (s Service) String() string {
	rv := s.Role
	if s.Version != "" {
		rv += "@" + s.Version
	}
	return fmt.Sprintf("%s %s:%d", rv, s.Host, s.Port)
}

func (s Service) patch() (crdt.Patch, error) {
	p := crdt.Patch{
		crdt.TypeField: crdt.String(TypeService),
		FieldRole:      crdt.String(s.Role),
		FieldPort:      crdt.Int(int64(s.Port)),
		FieldNode:      crdt.String(s.Node),
		FieldHeartbeat: crdt.Int(s.Heartbeat.UnixMilli()),
	}
	if s.Version != "" {
		p[FieldVersion] = crdt.String(s.Version)
	}
	if s.Host != "" {
		p[FieldHost] = crdt.String(s.Host)
	}
	for k, v := range s.Meta {
		val, err := crdt.Present(v)
		if err != nil {
			return nil, fmt.Errorf("meta %q: %w", k, err)
		}
		p[k] = val
	}
	return p, nil
}

// serviceFromState rebuilds a record from a row. Fields outside the fixed
// set become Meta.
func serviceFromState(id string, state crdt.State) Service {
	s := Service{
		ID:        id,
		Role:      state.GetString(FieldRole),
		Version:   state.GetString(FieldVersion),
		Host:      state.GetString(FieldHost),
		Port:      int(state.GetInt(FieldPort)),
		Node:      state.GetString(FieldNode),
		Heartbeat: time.UnixMilli(state.GetInt(FieldHeartbeat)),
	}
	for _, f := range state.Fields() {
		if reservedFields[f] {
			continue
		}
		var v any
		if err := state[f].Decode(&v); err != nil {
			continue
		}
		if s.Meta == nil {
			s.Meta = make(map[string]any)
		}
		s.Meta[f] = v
	}
	return s
}

func sortServices(services []Service) {
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
}

// splitRole splits "role@version".
func splitRole(rv string) (role, version string) {
	role, version, _ = strings.Cut(rv, "@")
	return role, version
}

// Option sets a field of a registration.
type Option func(*registration)

type registration struct {
	version string
	host    string
	port    int
	rng     *[2]int
	meta    map[string]any
}

// Version sets the service version, overriding one given as role@version.
func Version(v string) Option {
	return func(r *registration) { r.version = v }
}

// Port uses a fixed port instead of allocating one.
func Port(p int) Option {
	return func(r *registration) { r.port = p }
}

// Host sets the advertised host instead of the node's discovered one.
func Host(h string) Option {
	return func(r *registration) { r.host = h }
}

// Range allocates the port from [lo, hi] instead of the configured range.
func Range(lo, hi int) Option {
	return func(r *registration) { r.rng = &[2]int{lo, hi} }
}

// Meta attaches a custom field to the record. v must encode to non-null JSON.
func Meta(key string, v any) Option {
	return func(r *registration) {
		if r.meta == nil {
			r.meta = make(map[string]any)
		}
		r.meta[key] = v
	}
}
