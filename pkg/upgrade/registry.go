package upgrade

import (
	"fmt"
	"sort"
)

// Registry maps entity kinds to their upgraders. It is built once from a
// fixed list and never changes afterwards, so it is safe for concurrent use.
type Registry struct {
	upgraders map[string]*EntityUpgrader
	kinds     []string
}

// NewRegistry rejects nil upgraders, duplicate kinds and invalid chains.
func NewRegistry(upgraders ...*EntityUpgrader) (*Registry, error) {
	r := &Registry{upgraders: make(map[string]*EntityUpgrader, len(upgraders))}
	for i, u := range upgraders {
		if u == nil {
			return nil, fmt.Errorf("%w: upgrader %d is nil", ErrRuleConflict, i)
		}
		if _, dup := r.upgraders[u.kind]; dup {
			return nil, fmt.Errorf("%w: duplicate entity kind %q", ErrRuleConflict, u.kind)
		}
		if err := u.validate(); err != nil {
			return nil, err
		}
		r.upgraders[u.kind] = u
		r.kinds = append(r.kinds, u.kind)
	}
	sort.Strings(r.kinds)
	return r, nil
}

// MustRegistry panics when NewRegistry fails.
func MustRegistry(upgraders ...*EntityUpgrader) *Registry {
	r, err := NewRegistry(upgraders...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the upgrader for kind.
func (r *Registry) Lookup(kind string) (*EntityUpgrader, bool) {
	u, ok := r.upgraders[kind]
	return u, ok
}

// CurrentVersion returns the newest schema version for kind.
func (r *Registry) CurrentVersion(kind string) (Version, bool) {
	u, ok := r.upgraders[kind]
	if !ok {
		return Version{}, false
	}
	return u.current, true
}

// Kinds lists the registered entity kinds in sorted order.
func (r *Registry) Kinds() []string {
	return append([]string(nil), r.kinds...)
}
