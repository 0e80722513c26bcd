// Package handlers implements the Handler Registry (C9): an explicit,
// compiled-in list of virtual-HTTP route registrations, each carrying a
// method set, a regex-compiled pattern with named captures, a handler
// function, and a visibility scope. Grounded on the reference server's
// handler registration in core/handlers_http.go, adapted from a fixed
// Odin-specific endpoint list to the spec's generic pattern/scope model
// (§4.9): a static slice walked linearly rather than a filesystem glob.
package handlers

import (
	"context"
	"fmt"
	"regexp"

	"github.com/adred-codev/channelserver/internal/sharedtables"
	"github.com/adred-codev/channelserver/internal/taskbus"
)

// Scope is the visibility level a route is registered under.
type Scope int

const (
	ScopePublic Scope = iota
	ScopeRead
	ScopeWrite
	ScopePrivate
	ScopeSystem
)

func (s Scope) String() string {
	switch s {
	case ScopePublic:
		return "PUBLIC"
	case ScopeRead:
		return "READ"
	case ScopeWrite:
		return "WRITE"
	case ScopePrivate:
		return "PRIVATE"
	case ScopeSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// HandlerFunc executes one virtual-HTTP task. params holds the named regex
// captures from the matched route pattern.
type HandlerFunc func(ctx context.Context, task taskbus.Task, params map[string]string) taskbus.Result

type route struct {
	methods map[string]bool
	pattern *regexp.Regexp
	names   []string
	handler HandlerFunc
	scope   Scope
	raw     string
}

// Registry holds the compiled-in route list and resolves both the Frame
// Router's pre-dispatch existence/scope check and the task worker's actual
// invocation, against the same underlying list.
type Registry struct {
	routes []*route
}

// New builds an empty Handler Registry; routes are added via Register.
func New() *Registry {
	return &Registry{}
}

// Register compiles pattern (a path template like "/profiles/:id") into a
// regular expression with named captures and adds it to the registry.
// Panics on an invalid pattern, since route tables are assembled once at
// startup from compiled-in literals, never from user input.
func (reg *Registry) Register(methods []string, pattern string, handler HandlerFunc, scope Scope) {
	compiled, names := compilePattern(pattern)
	methodSet := make(map[string]bool, len(methods))
	for _, m := range methods {
		methodSet[m] = true
	}
	reg.routes = append(reg.routes, &route{
		methods: methodSet,
		pattern: compiled,
		names:   names,
		handler: handler,
		scope:   scope,
		raw:     pattern,
	})
}

// compilePattern turns ":name" path segments into named regex capture
// groups, e.g. "/profiles/:id" -> "^/profiles/(?P<id>[^/]+)$". Every other
// character of pattern is copied into the regexp unescaped, so a
// "(?P<name>regex)" group written directly into pattern compiles as a regexp
// group (and a named group's match reaches the handler's params), while
// regexp metacharacters elsewhere are not matched literally. Only ":name"
// segments are added to the returned names.
func compilePattern(pattern string) (*regexp.Regexp, []string) {
	var out []byte
	var names []string
	out = append(out, '^')
	i := 0
	for i < len(pattern) {
		if pattern[i] == ':' {
			j := i + 1
			for j < len(pattern) && pattern[j] != '/' {
				j++
			}
			name := pattern[i+1 : j]
			names = append(names, name)
			out = append(out, []byte(fmt.Sprintf("(?P<%s>[^/]+)", name))...)
			i = j
			continue
		}
		out = append(out, pattern[i])
		i++
	}
	out = append(out, '$')
	return regexp.MustCompile(string(out)), names
}

func (reg *Registry) find(method, uri string) (*route, map[string]string, bool) {
	for _, r := range reg.routes {
		if !r.methods[method] {
			continue
		}
		match := r.pattern.FindStringSubmatch(uri)
		if match == nil {
			continue
		}
		params := make(map[string]string, len(r.names))
		for idx, name := range r.pattern.SubexpNames() {
			if idx == 0 || name == "" {
				continue
			}
			params[name] = match[idx]
		}
		return r, params, true
	}
	return nil, nil, false
}

// Lookup reports whether a route exists for method/uri and its scope,
// without invoking the handler — used by the Frame Router's pre-dispatch
// existence and scope check.
func (reg *Registry) Lookup(method, uri string) (matchedURI string, scope Scope, ok bool) {
	r, _, found := reg.find(method, uri)
	if !found {
		return "", 0, false
	}
	return uri, r.scope, true
}

// Invoke resolves and calls the handler bound to method/uri — used by the
// Task Dispatch Bus's worker goroutines, which re-resolve the route rather
// than carry a handler reference through the task queue.
func (reg *Registry) Invoke(ctx context.Context, task taskbus.Task) taskbus.Result {
	r, params, found := reg.find(task.Method, task.URI)
	if !found {
		return taskbus.Result{IsError: true, Status: 404, ErrMessage: "no matching route"}
	}
	return r.handler(ctx, task, params)
}

// CheckScope enforces the scope hierarchy of §4.9 against the caller's
// session, if any: PUBLIC needs nothing, READ/WRITE/PRIVATE need an active
// Session, SYSTEM needs an operator-level identity the spec leaves to the
// deployment to define (rejected here unless explicitly granted upstream).
func (reg *Registry) CheckScope(scope Scope, session *sharedtables.Session) error {
	switch scope {
	case ScopePublic:
		return nil
	case ScopeRead, ScopeWrite, ScopePrivate:
		if session == nil {
			return fmt.Errorf("authentication required for %s route", scope)
		}
		return nil
	case ScopeSystem:
		return fmt.Errorf("system routes are not reachable from client connections")
	default:
		return fmt.Errorf("unknown scope")
	}
}
