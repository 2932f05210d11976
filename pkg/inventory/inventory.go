// Package inventory holds the set of target hosts, their group memberships
// and merged configuration data for a run.
package inventory

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/opsmith/opsmith/pkg/operr"
)

// Host represents a single target host. Its identity is fixed at inventory
// load and never changes afterwards.
type Host struct {
	name   string
	groups []string
	data   map[string]any
}

// NewHost creates a host with the given name, group memberships and merged
// data. Used by the loader and by programmatic inventories in tests.
func NewHost(name string, groups []string, data map[string]any) *Host {
	if data == nil {
		data = make(map[string]any)
	}
	return &Host{name: name, groups: groups, data: data}
}

// Name returns the unique host name.
func (h *Host) Name() string { return h.name }

// Groups returns the groups this host belongs to.
func (h *Host) Groups() []string { return h.groups }

// InGroup returns true if the host is a member of the named group.
func (h *Host) InGroup(group string) bool {
	for _, g := range h.groups {
		if g == group {
			return true
		}
	}
	return false
}

// Data returns the merged configuration data for this host.
// Precedence at load time is group < host < run override.
func (h *Host) Data() map[string]any { return h.data }

// Var looks up a single merged data value.
func (h *Host) Var(key string) (any, bool) {
	v, ok := h.data[key]
	return v, ok
}

// String returns a string value from the merged data, or the fallback when
// the key is absent or not a string.
func (h *Host) String(key, fallback string) string {
	if v, ok := h.data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// Inventory is an ordered collection of hosts plus group definitions.
type Inventory struct {
	hosts  []*Host
	byName map[string]*Host
	groups map[string][]string
}

// New builds an inventory from pre-constructed hosts, preserving the given
// order. Duplicate names are a definition error.
func New(hosts ...*Host) (*Inventory, error) {
	inv := &Inventory{
		byName: make(map[string]*Host, len(hosts)),
		groups: make(map[string][]string),
	}
	for _, h := range hosts {
		if h.name == "" {
			return nil, operr.NewDefinitionError("host with empty name", nil)
		}
		if _, exists := inv.byName[h.name]; exists {
			return nil, operr.NewDefinitionError("duplicate host: "+h.name, nil)
		}
		inv.hosts = append(inv.hosts, h)
		inv.byName[h.name] = h
		for _, g := range h.groups {
			inv.groups[g] = append(inv.groups[g], h.name)
		}
	}
	return inv, nil
}

// Hosts returns the hosts in definition order. The order is for display only;
// plan ordering never depends on it.
func (i *Inventory) Hosts() []*Host { return i.hosts }

// Names returns the host names in definition order.
func (i *Inventory) Names() []string {
	names := make([]string, len(i.hosts))
	for n, h := range i.hosts {
		names[n] = h.name
	}
	return names
}

// Get returns the named host.
func (i *Inventory) Get(name string) (*Host, bool) {
	h, ok := i.byName[name]
	return h, ok
}

// Has returns true if the named host exists in the inventory.
func (i *Inventory) Has(name string) bool {
	_, ok := i.byName[name]
	return ok
}

// Len returns the number of hosts.
func (i *Inventory) Len() int { return len(i.hosts) }

// Group returns the hosts belonging to the named group, in definition order.
func (i *Inventory) Group(name string) []*Host {
	names, ok := i.groups[name]
	if !ok {
		return nil
	}
	hosts := make([]*Host, 0, len(names))
	for _, h := range i.hosts {
		for _, n := range names {
			if h.name == n {
				hosts = append(hosts, h)
				break
			}
		}
	}
	return hosts
}

// Limit derives a filtered subset of the inventory. The pattern is a
// comma-separated list of group names and host-name globs. Host identity,
// group membership and ordering are untouched; a pattern matching nothing
// yields an empty inventory, not an error.
func (i *Inventory) Limit(pattern string) (*Inventory, error) {
	if pattern == "" {
		return i, nil
	}

	keep := make(map[string]bool)
	for _, token := range strings.Split(pattern, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		if members, ok := i.groups[token]; ok {
			for _, name := range members {
				keep[name] = true
			}
			continue
		}

		g, err := glob.Compile(token)
		if err != nil {
			return nil, operr.NewDefinitionError("invalid limit pattern: "+token, err)
		}
		for _, h := range i.hosts {
			if g.Match(h.name) {
				keep[h.name] = true
			}
		}
	}

	subset := &Inventory{
		byName: make(map[string]*Host),
		groups: make(map[string][]string),
	}
	for _, h := range i.hosts {
		if !keep[h.name] {
			continue
		}
		subset.hosts = append(subset.hosts, h)
		subset.byName[h.name] = h
		for _, g := range h.groups {
			subset.groups[g] = append(subset.groups[g], h.name)
		}
	}
	return subset, nil
}
