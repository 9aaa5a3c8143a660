// Package dispatch is the command registry the HTTP router and sync
// layer call through: commands are registered explicitly against one of
// four scopes (volume, directory, document, property) and resolved by
// (method, cmd, document) with scope-narrowing precedence, following
// the original system's command-resolution rule without relying on
// reflection or decorators to discover them.
package dispatch

import (
	"fmt"
	"time"

	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/types"
)

// Scope is the granularity a command operates at.
type Scope int

const (
	ScopeVolume Scope = iota
	ScopeDirectory
	ScopeDocument
	ScopeProperty
	scopeCount
)

// Key identifies a command within one scope.
type Key struct {
	Method   string
	Cmd      string
	Document string // empty to match any document class at this scope
}

// Callback is a registered command's handler.
type Callback func(req *types.Request, resp *types.Response) (interface{}, error)

// PreHook runs before Callback and may reject the request.
type PreHook func(req *types.Request) error

// PostHook runs after Callback and may transform its result.
type PostHook func(req *types.Request, result interface{}) (interface{}, error)

// ArgCast coerces one request argument into its expected type.
type ArgCast func(raw interface{}) (interface{}, error)

// Command is one registered operation.
type Command struct {
	Scope       Scope
	Method      string
	Cmd         string
	Document    string
	AccessLevel schema.AccessBit
	MimeType    string
	ArgCasts    map[string]ArgCast
	Pre         []PreHook
	Post        []PostHook
	Callback    Callback
}

func (c *Command) key() Key { return Key{Method: c.Method, Cmd: c.Cmd, Document: c.Document} }

// Registry holds every registered command, indexed per scope.
type Registry struct {
	commands [scopeCount]map[Key]*Command
	// Metrics records per-command timing and error counts when set, the
	// way cgofuse_filesystem.go's fs.metrics.RecordOperation wraps every
	// filesystem call. Left nil, Call runs exactly as before.
	Metrics *metrics.Collector
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.commands {
		r.commands[i] = make(map[Key]*Command)
	}
	return r
}

func operationName(cmd *Command) string {
	document := cmd.Document
	if document == "" {
		document = "*"
	}
	op := cmd.Cmd
	if op == "" {
		op = "default"
	}
	return fmt.Sprintf("%s:%s:%s", cmd.Method, document, op)
}

// Register adds cmd, failing if its (scope, method, cmd, document) key
// is already taken.
func (r *Registry) Register(cmd *Command) error {
	if cmd.Scope < 0 || cmd.Scope >= scopeCount {
		return errors.New(errors.ErrCodeInternal, "invalid command scope").WithComponent("dispatch")
	}
	key := cmd.key()
	if _, exists := r.commands[cmd.Scope][key]; exists {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("command %+v already registered", key)).WithComponent("dispatch")
	}
	r.commands[cmd.Scope][key] = cmd
	return nil
}

// Resolve finds the command matching req, narrowing scope by how much
// of (Document, GUID, Prop) the request carries: a request naming no
// document resolves against volume commands; naming a document but no
// GUID resolves against directory commands; naming a GUID but no
// property resolves against document commands; naming a property
// resolves against property commands. Within a scope, a document-
// specific registration takes precedence over a document-agnostic one.
func (r *Registry) Resolve(req *types.Request) (*Command, error) {
	generic := Key{Method: req.Method, Cmd: req.Cmd}

	if req.Document == "" {
		if cmd, ok := r.commands[ScopeVolume][generic]; ok {
			return cmd, nil
		}
		return nil, notFound(req)
	}

	scope := ScopeDirectory
	switch {
	case req.GUID == "":
		scope = ScopeDirectory
	case req.Prop == "":
		scope = ScopeDocument
	default:
		scope = ScopeProperty
	}

	specific := Key{Method: req.Method, Cmd: req.Cmd, Document: req.Document}
	m := r.commands[scope]
	if cmd, ok := m[specific]; ok {
		return cmd, nil
	}
	if cmd, ok := m[generic]; ok {
		return cmd, nil
	}
	return nil, notFound(req)
}

func notFound(req *types.Request) error {
	return errors.New(errors.ErrCodeCommandNotFound,
		fmt.Sprintf("no command for method=%s cmd=%s document=%s", req.Method, req.Cmd, req.Document)).
		WithComponent("dispatch")
}

// Call resolves req, enforces its access-level gate, applies argument
// typecasts and pre/post hooks, and invokes the resolved command.
func (r *Registry) Call(req *types.Request, resp *types.Response) (interface{}, error) {
	cmd, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}

	if cmd.AccessLevel != 0 && req.AccessLevel&cmd.AccessLevel == 0 {
		return nil, errors.New(errors.ErrCodeForbidden, "operation not permitted at requester's access level").
			WithComponent("dispatch")
	}

	for arg, cast := range cmd.ArgCasts {
		raw, ok := req.Args[arg]
		if !ok {
			continue
		}
		coerced, err := cast(raw)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeBadRequest, err,
				fmt.Sprintf("cannot typecast argument %q", arg)).WithComponent("dispatch")
		}
		req.Args[arg] = coerced
	}

	for _, pre := range cmd.Pre {
		if err := pre(req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result, err := cmd.Callback(req, resp)
	if r.Metrics != nil {
		op := operationName(cmd)
		r.Metrics.RecordOperation(op, time.Since(start), resp.ContentLength, err == nil)
		if err != nil {
			r.Metrics.RecordError(op, err)
		}
	}
	if err != nil {
		return nil, err
	}

	for _, post := range cmd.Post {
		result, err = post(req, result)
		if err != nil {
			return nil, err
		}
	}

	if resp.ContentType == "" {
		resp.ContentType = cmd.MimeType
	}
	return result, nil
}

// ToInt coerces a string or numeric argument to int64, the way the
// original's to_int() helper coerces query-string arguments.
func ToInt(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		if v == "" {
			return int64(0), nil
		}
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return nil, errors.New(errors.ErrCodeBadRequest, "argument must be an integer").WithComponent("dispatch")
		}
		return n, nil
	default:
		return nil, errors.New(errors.ErrCodeBadRequest, "argument must be an integer").WithComponent("dispatch")
	}
}

// ToList coerces a comma-separated string argument (or an already-list
// value) into a []string, the way the original's to_list() helper
// splits query-string arguments.
func ToList(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	case string:
		if v == "" {
			return []string{}, nil
		}
		var out []string
		start := 0
		for i := 0; i <= len(v); i++ {
			if i == len(v) || v[i] == ',' {
				out = append(out, v[start:i])
				start = i + 1
			}
		}
		return out, nil
	default:
		return nil, errors.New(errors.ErrCodeBadRequest, "argument must be a list").WithComponent("dispatch")
	}
}
