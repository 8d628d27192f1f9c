package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/galois26/eddn-relay/internal/errs"
)

// Environments known to the relay network.
const (
	EnvProduction = "production"
	EnvTest       = "test"
)

// Schema names used by the pipeline.
const (
	Commodity      = "commodity"
	FSSBodySignals = "fssbodysignals"
)

var builtin = map[string]map[string]string{
	Commodity: {
		EnvProduction: "https://eddn.edcd.io/schemas/commodity/3",
		EnvTest:       "https://eddn.edcd.io/schemas/commodity/3/test",
	},
	FSSBodySignals: {
		EnvProduction: "https://eddn.edcd.io/schemas/fssbodysignals/1",
		EnvTest:       "https://eddn.edcd.io/schemas/fssbodysignals/1/test",
	},
}

// Registry maps (schema name, environment) to a schema URL. It is immutable
// once built.
type Registry struct {
	env     string
	entries map[string]map[string]string
}

// New builds a registry for env from the built-in table plus extra entries.
// Extra entries override built-in ones with the same name and environment.
func New(env string, extra map[string]map[string]string) *Registry {
	entries := make(map[string]map[string]string, len(builtin)+len(extra))
	for _, src := range []map[string]map[string]string{builtin, extra} {
		for name, byEnv := range src {
			dst, ok := entries[name]
			if !ok {
				dst = make(map[string]string, len(byEnv))
				entries[name] = dst
			}
			for e, u := range byEnv {
				dst[e] = u
			}
		}
	}
	return &Registry{env: env, entries: entries}
}

// Environment returns the environment used by Resolve.
func (r *Registry) Environment() string { return r.env }

// Resolve looks name up in the registry's environment.
func (r *Registry) Resolve(name string) (string, error) {
	return r.ResolveFor(name, r.env)
}

// ResolveFor looks name up in env. A name that already contains "//" is a
// literal schema URL and is returned unchanged.
func (r *Registry) ResolveFor(name, env string) (string, error) {
	if strings.Contains(name, "//") {
		return name, nil
	}
	byEnv, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", errs.ErrUnknownSchema, name)
	}
	u, ok := byEnv[env]
	if !ok || u == "" {
		return "", fmt.Errorf("%w: %q has no %q environment", errs.ErrUnknownSchema, name, env)
	}
	return u, nil
}

// Names lists registered schema names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
