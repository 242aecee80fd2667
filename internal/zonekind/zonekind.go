// Package zonekind describes the five zone granularities the targeting tool
// works with. Behavior that differs per kind is driven by the Kind record
// rather than by comparing strings throughout the code.
package zonekind

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ID identifies a zone kind on the wire and in caches.
type ID string

const (
	Mediaposte  ID = "mediaposte"
	Iris        ID = "iris"
	Commune     ID = "commune"
	CodePostal  ID = "code_postal"
	Departement ID = "departement"
)

// Kind is the configuration record of one zone kind.
type Kind struct {
	ID                 ID      `yaml:"id"`
	Label              string  `yaml:"label"`
	Table              string  `yaml:"table"`
	CodeField          string  `yaml:"code_field"`
	LabelField         string  `yaml:"label_field"`
	Superior           ID      `yaml:"superior"`
	Atomic             bool    `yaml:"atomic"`
	MinZoom            float64 `yaml:"min_zoom"`
	DefaultZoom        float64 `yaml:"default_zoom"`
	ImportZoom         float64 `yaml:"import_zoom"`
	MaxZonesPerRequest int     `yaml:"max_zones_per_request"`
	CodePattern        string  `yaml:"code_pattern"`

	codeRe *regexp.Regexp
}

// ValidCode reports whether code matches the kind's code format.
func (k *Kind) ValidCode(code string) bool {
	return k.codeRe.MatchString(code)
}

// HasSuperior reports whether zones of this kind are shown inside outlines
// of a coarser kind.
func (k *Kind) HasSuperior() bool {
	return k.Superior != ""
}

//go:embed kinds.yaml
var registryYAML []byte

// Registry indexes the known kinds.
type Registry struct {
	byID   map[ID]*Kind
	order  []ID
	atomic *Kind
}

type registryFile struct {
	Kinds []Kind `yaml:"kinds"`
}

// Parse builds a registry from YAML. Exactly one kind must be atomic and
// every superior reference must resolve.
func Parse(raw []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse zone kinds: %w", err)
	}

	r := &Registry{byID: make(map[ID]*Kind, len(f.Kinds))}
	for i := range f.Kinds {
		k := f.Kinds[i]
		if k.ID == "" || k.Table == "" || k.CodeField == "" {
			return nil, fmt.Errorf("zone kind #%d: id, table and code_field are required", i)
		}
		if _, dup := r.byID[k.ID]; dup {
			return nil, fmt.Errorf("zone kind %s: duplicate id", k.ID)
		}
		re, err := regexp.Compile(k.CodePattern)
		if err != nil {
			return nil, fmt.Errorf("zone kind %s: bad code pattern: %w", k.ID, err)
		}
		k.codeRe = re
		if k.Atomic {
			if r.atomic != nil {
				return nil, fmt.Errorf("zone kinds %s and %s are both atomic", r.atomic.ID, k.ID)
			}
			r.atomic = &k
		}
		r.byID[k.ID] = &k
		r.order = append(r.order, k.ID)
	}

	if r.atomic == nil {
		return nil, fmt.Errorf("no atomic zone kind defined")
	}
	for _, k := range r.byID {
		if k.Superior == "" {
			continue
		}
		if _, ok := r.byID[k.Superior]; !ok {
			return nil, fmt.Errorf("zone kind %s: unknown superior %s", k.ID, k.Superior)
		}
	}
	return r, nil
}

var defaultRegistry = mustParse(registryYAML)

func mustParse(raw []byte) *Registry {
	r, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the built-in registry.
func Default() *Registry {
	return defaultRegistry
}

// Lookup returns the kind for id.
func (r *Registry) Lookup(id ID) (*Kind, bool) {
	k, ok := r.byID[id]
	return k, ok
}

// MustLookup returns the kind for id and panics on unknown ids. Use only
// with the constants declared in this package.
func (r *Registry) MustLookup(id ID) *Kind {
	k, ok := r.byID[id]
	if !ok {
		panic(fmt.Sprintf("zonekind: unknown kind %q", id))
	}
	return k
}

// Atomic returns the atomic kind.
func (r *Registry) Atomic() *Kind {
	return r.atomic
}

// IsAtomic reports whether id names the atomic kind.
func (r *Registry) IsAtomic(id ID) bool {
	return r.atomic.ID == id
}

// Coarse returns the non-atomic kinds in declaration order.
func (r *Registry) Coarse() []*Kind {
	out := make([]*Kind, 0, len(r.order)-1)
	for _, id := range r.order {
		if k := r.byID[id]; !k.Atomic {
			out = append(out, k)
		}
	}
	return out
}

// IDs returns every kind id, sorted.
func (r *Registry) IDs() []ID {
	ids := append([]ID(nil), r.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
