package rpc

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"
)

// Node is either a *Procedure or a nested Namespace.
type Node interface {
	node()
}

// Namespace groups procedures and nested namespaces by name. Keys may be
// dotted, so {"users.get": p} and {"users": Namespace{"get": p}} address the
// same path.
type Namespace map[string]Node

func (Namespace) node() {}

// ErrRouterConflict is returned when two procedures claim the same path or
// a procedure path is also used as a namespace.
var ErrRouterConflict = errors.New("rpc: conflicting procedure paths")

// Router is the flattened, immutable procedure tree. It is safe for
// concurrent use.
type Router struct {
	procs map[string]*Procedure
	paths []string
}

// NewRouter flattens root into dotted paths. All structural problems are
// reported here rather than at request time.
func NewRouter(root Namespace) (*Router, error) {
	procs := make(map[string]*Procedure)
	if err := flatten(procs, nil, root); err != nil {
		return nil, err
	}
	return build(procs)
}

// MustRouter is like NewRouter but panics on error.
func MustRouter(root Namespace) *Router {
	r, err := NewRouter(root)
	if err != nil {
		panic(err)
	}
	return r
}

// Merge combines routers into one. Overlapping paths are an error.
func Merge(routers ...*Router) (*Router, error) {
	procs := make(map[string]*Procedure)
	for _, r := range routers {
		if r == nil {
			continue
		}
		for path, p := range r.procs {
			if _, dup := procs[path]; dup {
				return nil, fmt.Errorf("%w: %q defined more than once", ErrRouterConflict, path)
			}
			procs[path] = p
		}
	}
	return build(procs)
}

func flatten(dst map[string]*Procedure, prefix []string, ns Namespace) error {
	// Sorted so that error messages are deterministic.
	for _, key := range slices.Sorted(maps.Keys(ns)) {
		segs := strings.Split(key, ".")
		for _, s := range segs {
			if err := validSegment(s); err != nil {
				return fmt.Errorf("rpc: invalid name %q under %q: %w", key, strings.Join(prefix, "."), err)
			}
		}
		path := append(slices.Clone(prefix), segs...)

		switch n := ns[key].(type) {
		case *Procedure:
			if n == nil {
				return fmt.Errorf("rpc: nil procedure at %q", strings.Join(path, "."))
			}
			full := strings.Join(path, ".")
			if _, dup := dst[full]; dup {
				return fmt.Errorf("%w: %q defined more than once", ErrRouterConflict, full)
			}
			dst[full] = n
		case Namespace:
			if err := flatten(dst, path, n); err != nil {
				return err
			}
		default:
			return fmt.Errorf("rpc: unsupported node %T at %q", n, strings.Join(path, "."))
		}
	}
	return nil
}

func validSegment(s string) error {
	if s == "" {
		return errors.New("empty segment")
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return errors.New("segment contains whitespace")
	}
	return nil
}

func build(procs map[string]*Procedure) (*Router, error) {
	paths := slices.Sorted(maps.Keys(procs))
	for _, path := range paths {
		for i := range len(path) {
			if path[i] != '.' {
				continue
			}
			if _, ok := procs[path[:i]]; ok {
				return nil, fmt.Errorf("%w: %q is both a procedure and a namespace", ErrRouterConflict, path[:i])
			}
		}
	}
	return &Router{procs: procs, paths: paths}, nil
}

// Lookup returns the procedure at path.
func (r *Router) Lookup(path string) (*Procedure, bool) {
	p, ok := r.procs[path]
	return p, ok
}

// Paths returns every procedure path in sorted order.
func (r *Router) Paths() []string { return slices.Clone(r.paths) }

// Len returns the number of procedures.
func (r *Router) Len() int { return len(r.procs) }
