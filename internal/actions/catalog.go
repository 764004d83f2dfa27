package actions

import "fmt"

// Group is a set of actions registered together, optionally under a
// namespace prefix.
type Group struct {
	Prefix  string
	Actions []Action
}

// Bootstrap builds a fresh registry from groups and seals it.
// Registration order does not matter; any name collision fails the whole
// bootstrap with DUPLICATE_NAME.
func Bootstrap(groups ...Group) (*Registry, error) {
	reg := NewRegistry()
	for _, g := range groups {
		if g.Prefix != "" {
			if _, err := reg.RegisterNamespace(g.Prefix, g.Actions); err != nil {
				return nil, err
			}
			continue
		}
		for _, a := range g.Actions {
			if err := reg.Register(a); err != nil {
				return nil, err
			}
		}
	}
	reg.Seal()
	return reg, nil
}

// MustBootstrap is Bootstrap for fixed, compiled-in tables where a bad
// catalog is a programming error.
func MustBootstrap(groups ...Group) *Registry {
	reg, err := Bootstrap(groups...)
	if err != nil {
		panic(fmt.Sprintf("action catalog: %v", err))
	}
	return reg
}

