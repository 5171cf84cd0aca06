package tokenauth

import (
	"fmt"
	"sort"
	"strings"
)

// Scope is one parsed `type:resource:actions` entry from a token request's
// `scope` query parameter.
type Scope struct {
	Type     string // "repository" | "registry"
	Resource string // repository path, or "catalog"
	Actions  []string
}

// actionOrder fixes a canonical ordering so that two tokens granting the
// same permission set serialize identically; the response-cache key
// depends on this.
var actionOrder = map[string]int{"pull": 0, "push": 1, "*": 2}

func normalizeActions(actions []string) []string {
	out := append([]string(nil), actions...)
	sort.SliceStable(out, func(i, j int) bool {
		return actionOrder[out[i]] < actionOrder[out[j]]
	})
	return out
}

// ParseScope splits the space-separated scope parameter into its
// constituent Scope entries, rejecting any entry whose type is not
// repository/registry.
func ParseScope(raw string) ([]Scope, error) {
	if raw == "" {
		return nil, nil
	}
	fields := strings.Fields(raw)
	scopes := make([]Scope, 0, len(fields))
	for _, f := range fields {
		parts := strings.SplitN(f, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("tokenauth: malformed scope segment %q", f)
		}
		typ, resource, actionsRaw := parts[0], parts[1], parts[2]
		if typ != "repository" && typ != "registry" {
			return nil, fmt.Errorf("tokenauth: unsupported scope type %q", typ)
		}
		actions := strings.Split(actionsRaw, ",")
		scopes = append(scopes, Scope{Type: typ, Resource: resource, Actions: normalizeActions(actions)})
	}
	return scopes, nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s:%s", s.Type, s.Resource, strings.Join(s.Actions, ","))
}

// Intersect returns the subset of s.Actions also present in granted.
func (s Scope) Intersect(granted []string) []string {
	grantedSet := make(map[string]struct{}, len(granted))
	for _, a := range granted {
		grantedSet[a] = struct{}{}
	}
	var out []string
	for _, a := range s.Actions {
		if a == "*" {
			if _, ok := grantedSet["*"]; ok {
				out = append(out, "*")
			}
			continue
		}
		if _, ok := grantedSet[a]; ok {
			out = append(out, a)
		}
	}
	return normalizeActions(out)
}
