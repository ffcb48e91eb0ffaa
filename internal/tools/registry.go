package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"robustagent/internal/logging"
	"robustagent/internal/observability"
)

// ErrorMarker prefixes every failed tool result.
const ErrorMarker = "⚠️ Error"

// DefaultTimeout bounds a call when the tool declares none.
const DefaultTimeout = 30 * time.Second

// Kind tells where a tool executes.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RemoteCaller proxies a call to the tool-serving process.
type RemoteCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Remote binds a registry tool to a tool exposed by the tool server.
type Remote struct {
	Tool      string         // name on the server
	FixedArgs map[string]any // merged into every call, e.g. a default font
	Caller    RemoteCaller
}

// Call is a model tool request resolved against the registry, with its
// arguments decoded and validated against the declared schema.
type Call struct {
	ID   string
	Name string
	Kind Kind
	Args map[string]any
}

type entry struct {
	info    *schema.ToolInfo
	kind    Kind
	timeout time.Duration
	schema  *gojsonschema.Schema
	local   tool.InvokableTool
	remote  Remote
}

// Registry maps tool names to local or remote executables. Register tools
// during start-up only; after that the registry is read-only and safe for
// concurrent use.
type Registry struct {
	entries map[string]*entry
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{entries: make(map[string]*entry), logger: logging.OrNop(logger)}
}

// RegisterLocal adds an in-process tool.
func (r *Registry) RegisterLocal(ctx context.Context, t tool.InvokableTool, timeout time.Duration) error {
	info, err := t.Info(ctx)
	if err != nil {
		return fmt.Errorf("tool info: %w", err)
	}
	return r.add(&entry{info: info, kind: KindLocal, timeout: timeout, local: t})
}

// RegisterRemote adds a tool proxied to the tool server.
func (r *Registry) RegisterRemote(info *schema.ToolInfo, remote Remote, timeout time.Duration) error {
	if remote.Caller == nil {
		return fmt.Errorf("remote tool %s: caller is required", info.Name)
	}
	if remote.Tool == "" {
		remote.Tool = info.Name
	}
	return r.add(&entry{info: info, kind: KindRemote, timeout: timeout, remote: remote})
}

func (r *Registry) add(e *entry) error {
	if e.info == nil || e.info.Name == "" {
		return errors.New("tool name is required")
	}
	if _, dup := r.entries[e.info.Name]; dup {
		return fmt.Errorf("tool %s already registered", e.info.Name)
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	s, err := compileSchema(e.info)
	if err != nil {
		return fmt.Errorf("tool %s: %w", e.info.Name, err)
	}
	e.schema = s
	r.entries[e.info.Name] = e
	return nil
}

func compileSchema(info *schema.ToolInfo) (*gojsonschema.Schema, error) {
	if info.ParamsOneOf == nil {
		return nil, nil
	}
	js, err := info.ParamsOneOf.ToJSONSchema()
	if err != nil {
		return nil, fmt.Errorf("build json schema: %w", err)
	}
	raw, err := json.Marshal(js)
	if err != nil {
		return nil, fmt.Errorf("marshal json schema: %w", err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile json schema: %w", err)
	}
	return s, nil
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the declarations bound to the chat model.
func (r *Registry) Infos() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(r.entries))
	for _, name := range r.Names() {
		infos = append(infos, r.entries[name].info)
	}
	return infos
}

// Resolve turns a model tool call into a validated Call.
func (r *Registry) Resolve(tc schema.ToolCall) (*Call, error) {
	name := tc.Function.Name
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	if e.schema != nil {
		res, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return nil, fmt.Errorf("validate arguments for %s: %w", name, err)
		}
		if !res.Valid() {
			problems := make([]string, 0, len(res.Errors()))
			for _, desc := range res.Errors() {
				problems = append(problems, desc.String())
			}
			return nil, fmt.Errorf("invalid arguments for %s: %s", name, strings.Join(problems, "; "))
		}
	}
	return &Call{ID: tc.ID, Name: name, Kind: e.kind, Args: args}, nil
}

// Invoke resolves and executes a tool by name. It never fails: errors are
// returned as text starting with ErrorMarker.
func (r *Registry) Invoke(ctx context.Context, name, argumentsInJSON string) string {
	call, err := r.Resolve(schema.ToolCall{Function: schema.FunctionCall{Name: name, Arguments: argumentsInJSON}})
	if err != nil {
		observability.RecordToolCall(name, "invalid", 0)
		return fmt.Sprintf("%s: %v", ErrorMarker, err)
	}
	return r.Execute(ctx, call)
}

// Execute runs a resolved call bounded by the tool timeout. A call that
// outlives its timeout is abandoned and reported as an error result.
func (r *Registry) Execute(ctx context.Context, call *Call) string {
	e, ok := r.entries[call.Name]
	if !ok {
		return fmt.Sprintf("%s: unknown tool %q", ErrorMarker, call.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := r.run(callCtx, e, call.Args)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = outcome{err: callCtx.Err()}
	}
	elapsed := time.Since(start)

	switch {
	case res.err == nil:
		observability.RecordToolCall(call.Name, "ok", elapsed)
		return res.out
	case errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil:
		observability.RecordToolCall(call.Name, "timeout", elapsed)
		r.logger.Warn("tool timed out", zap.String("tool", call.Name), zap.Duration("timeout", e.timeout))
		return fmt.Sprintf("%s: %s timed out after %s", ErrorMarker, call.Name, formatTimeout(e.timeout))
	default:
		observability.RecordToolCall(call.Name, "error", elapsed)
		r.logger.Warn("tool failed", zap.String("tool", call.Name), zap.String("kind", e.kind.String()), zap.Error(res.err))
		return fmt.Sprintf("%s executing tool %s: %v", ErrorMarker, call.Name, res.err)
	}
}

func (r *Registry) run(ctx context.Context, e *entry, args map[string]any) (string, error) {
	switch e.kind {
	case KindLocal:
		payload, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("marshal arguments: %w", err)
		}
		return e.local.InvokableRun(ctx, string(payload))
	case KindRemote:
		merged := make(map[string]any, len(args)+len(e.remote.FixedArgs))
		for k, v := range e.remote.FixedArgs {
			merged[k] = v
		}
		for k, v := range args {
			merged[k] = v
		}
		return e.remote.Caller.CallTool(ctx, e.remote.Tool, merged)
	default:
		return "", fmt.Errorf("unsupported tool kind %s", e.kind)
	}
}

func formatTimeout(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

// IsError reports whether a tool result is an error marker.
func IsError(result string) bool {
	return strings.HasPrefix(result, ErrorMarker)
}
