// Package registry maintains the aggregating proxy's fully-qualified tool
// catalog: every tool discovered from every upstream, plus the fixed set of
// core tools, keyed the way the downstream client actually calls them.
package registry

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
)

// OwnerCore is the sentinel owner for the four built-in discovery tools.
const OwnerCore = "core"

// OwnerCommands is the sentinel owner for plug-in "command" tools (the
// debug/CDP subsystem registers under this owner).
const OwnerCommands = "commands"

// ExecutionKind distinguishes how a registry entry's tool is invoked.
type ExecutionKind int

const (
	// ExecUpstream dispatches to a connected upstream MCP server.
	ExecUpstream ExecutionKind = iota
	// ExecPlugin dispatches to an in-process handler (core tools, commands).
	ExecPlugin
)

// PluginHandler is the signature core/command tools implement.
type PluginHandler func(args map[string]interface{}) (json.RawMessage, error)

// Entry is one row of the tool registry.
type Entry struct {
	// FQName is "<upstream>__<original>" for upstream tools, or the bare
	// name for core/command tools (which have no owning upstream).
	FQName string
	// OriginalName is the tool's name as the upstream (or plug-in) knows it.
	OriginalName string
	// Owner is the upstream name, or OwnerCore / OwnerCommands.
	Owner string
	// Description is the tool's human-readable description.
	Description string
	// InputSchema is the tool's JSON Schema for parameters.
	InputSchema json.RawMessage

	Exec    ExecutionKind
	Handler PluginHandler // in-process handler, or a closure forwarding to the upstream for ExecUpstream

	// Discovered is true once an upstream has reported this tool via
	// tools/list. Always true for core/command tools.
	Discovered bool
	// Exposed is true when the entry currently passes the static
	// exposure predicate (expose/hide/always-visible patterns).
	Exposed bool
	// DynamicallyEnabled is true when a core tool (load_toolset, or a
	// runtime "discover" enable) has activated this entry regardless of
	// the static filters.
	DynamicallyEnabled bool
	// Core is true for core and command tools: immune to filtering and
	// to upstream-disconnect eviction.
	Core bool
}

// Visible reports whether the entry should appear in tools/list.
func (e Entry) Visible() bool {
	return e.Core || e.Exposed || e.DynamicallyEnabled
}

// FQName joins an upstream name and a tool's original name the way the
// registry keys every upstream-owned entry.
func FQName(upstream, original string) string {
	return upstream + "__" + original
}

// SplitFQName reverses FQName. ok is false if name does not contain the
// "__" separator.
func SplitFQName(name string) (upstream, original string, ok bool) {
	idx := strings.Index(name, "__")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}

// ExposureConfig configures the static tools/list filtering predicate.
type ExposureConfig struct {
	// ExposePatterns: if non-empty, a discovered tool must match at least
	// one to be exposed (glob-style, matched against FQName).
	ExposePatterns []string
	// HidePatterns always win: a match here removes the tool from
	// exposure regardless of ExposePatterns/AlwaysVisible.
	HidePatterns []string
	// AlwaysVisiblePatterns are unioned into ExposePatterns before
	// HidePatterns are applied.
	AlwaysVisiblePatterns []string
	// AllowShortNames enables tools/call dispatch by bare original name
	// when exactly one registry entry carries it.
	AllowShortNames bool
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// computeExposed applies the expose/hide/always-visible predicate from
// §4.4: `expose_patterns` union `always_visible`, minus `hide_patterns`; an
// empty ExposePatterns means "expose everything not hidden".
func computeExposed(cfg ExposureConfig, fqName string) bool {
	if matchesAny(cfg.HidePatterns, fqName) {
		return false
	}
	if matchesAny(cfg.AlwaysVisiblePatterns, fqName) {
		return true
	}
	if len(cfg.ExposePatterns) == 0 {
		return true
	}
	return matchesAny(cfg.ExposePatterns, fqName)
}

// Toolset is a named, configured group of FQ names a client can activate at
// runtime via the load_toolset core tool.
type Toolset struct {
	Name    string
	FQNames []string
}

// Registry is the shared, thread-safe tool catalog. Reads happen on every
// tools/list and tools/call; writes happen on upstream (dis)connect,
// rediscovery, and explicit dynamic-enable operations.
type Registry struct {
	mu sync.RWMutex

	entries    map[string]*Entry   // by FQName
	byUpstream map[string][]string // upstream -> FQNames it owns
	byOriginal map[string][]string // original tool name -> FQNames sharing it

	toolsets map[string]Toolset

	exposure ExposureConfig
}

// New creates an empty Registry.
func New(exposure ExposureConfig) *Registry {
	return &Registry{
		entries:    make(map[string]*Entry),
		byUpstream: make(map[string][]string),
		byOriginal: make(map[string][]string),
		toolsets:   make(map[string]Toolset),
		exposure:   exposure,
	}
}

// SetToolsets installs the configured named toolsets (replacing any
// previous configuration). Does not itself change exposure.
func (r *Registry) SetToolsets(toolsets []Toolset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolsets = make(map[string]Toolset, len(toolsets))
	for _, ts := range toolsets {
		r.toolsets[ts.Name] = ts
	}
}

// RegisterCore installs a core or command tool. Core entries are immune to
// static filtering and to RemoveUpstream eviction.
func (r *Registry) RegisterCore(owner, name, description string, schema json.RawMessage, handler PluginHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &Entry{
		FQName:       name,
		OriginalName: name,
		Owner:        owner,
		Description:  description,
		InputSchema:  schema,
		Exec:         ExecPlugin,
		Handler:      handler,
		Discovered:   true,
		Exposed:      true,
		Core:         true,
	}
}

// DiscoveredTool is the input shape for SetUpstreamTools: one tool as
// reported by an upstream's tools/list.
type DiscoveredTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// SetUpstreamTools replaces every entry owned by upstream with the given
// freshly discovered tools, recomputing exposure and the by-original-name
// index. Returns true if the visible catalog changed (a signal to fire
// tools/list_changed).
func (r *Registry) SetUpstreamTools(upstream string, tools []DiscoveredTool, handler func(original string, args map[string]interface{}) (json.RawMessage, error)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.removeUpstreamLocked(upstream)

	fqNames := make([]string, 0, len(tools))
	for _, t := range tools {
		fq := FQName(upstream, t.Name)
		original := t.Name
		entry := &Entry{
			FQName:       fq,
			OriginalName: original,
			Owner:        upstream,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			Exec:         ExecUpstream,
			Handler: func(args map[string]interface{}) (json.RawMessage, error) {
				return handler(original, args)
			},
			Discovered: true,
		}
		entry.Exposed = computeExposed(r.exposure, fq)
		r.entries[fq] = entry
		fqNames = append(fqNames, fq)
		r.byOriginal[original] = append(r.byOriginal[original], fq)
		if entry.Visible() {
			changed = true
		}
	}
	r.byUpstream[upstream] = fqNames

	return changed
}

// RemoveUpstream evicts every non-core entry owned by upstream. Returns
// true if the visible catalog changed.
func (r *Registry) RemoveUpstream(upstream string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeUpstreamLocked(upstream)
}

func (r *Registry) removeUpstreamLocked(upstream string) bool {
	changed := false
	for _, fq := range r.byUpstream[upstream] {
		if e, ok := r.entries[fq]; ok {
			if e.Visible() {
				changed = true
			}
			delete(r.entries, fq)
			r.removeFromOriginalIndexLocked(e.OriginalName, fq)
		}
	}
	delete(r.byUpstream, upstream)
	return changed
}

func (r *Registry) removeFromOriginalIndexLocked(original, fq string) {
	list := r.byOriginal[original]
	for i, v := range list {
		if v == fq {
			r.byOriginal[original] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byOriginal[original]) == 0 {
		delete(r.byOriginal, original)
	}
}

// ErrAmbiguous is returned by Resolve when a short name matches more than
// one registry entry.
type ErrAmbiguous struct {
	Name    string
	Matches []string
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("tool name %q is ambiguous: matches %v", e.Name, e.Matches)
}

// ErrNotFound is returned by Resolve when no entry matches.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// Resolve implements the tools/call dispatch rule from §4.4: exact FQ match
// first, then — if short names are allowed — a unique original-name match.
func (r *Registry) Resolve(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[name]; ok {
		return e, nil
	}
	if !r.exposure.AllowShortNames {
		return nil, &ErrNotFound{Name: name}
	}
	matches := r.byOriginal[name]
	switch len(matches) {
	case 0:
		return nil, &ErrNotFound{Name: name}
	case 1:
		return r.entries[matches[0]], nil
	default:
		return nil, &ErrAmbiguous{Name: name, Matches: append([]string(nil), matches...)}
	}
}

// Get looks up an entry by exact FQ (or core) name without short-name
// fallback.
func (r *Registry) Get(fqName string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[fqName]
	return e, ok
}

// Visible returns every entry currently passing tools/list exposure,
// sorted by FQName for deterministic ordering.
func (r *Registry) Visible() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Visible() {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// All returns every discovered entry regardless of exposure, sorted by
// FQName. Used by discover_tools_by_words, which searches the full catalog.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].FQName > entries[j].FQName; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// EnableToolset marks every FQ name in the named toolset as dynamically
// enabled. Returns the resolved names and whether the visible catalog
// changed; an unknown toolset name is an error.
func (r *Registry) EnableToolset(name string) ([]string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.toolsets[name]
	if !ok {
		return nil, false, fmt.Errorf("unknown toolset: %s", name)
	}
	changed := false
	for _, fq := range ts.FQNames {
		e, ok := r.entries[fq]
		if !ok {
			continue
		}
		if !e.Visible() {
			changed = true
		}
		e.DynamicallyEnabled = true
	}
	return append([]string(nil), ts.FQNames...), changed, nil
}

// EnableTool dynamically enables a single FQ name (used by runtime
// "discover" activation outside of a named toolset). Returns whether the
// visible catalog changed.
func (r *Registry) EnableTool(fqName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fqName]
	if !ok {
		return false, &ErrNotFound{Name: fqName}
	}
	wasVisible := e.Visible()
	e.DynamicallyEnabled = true
	return !wasVisible, nil
}
