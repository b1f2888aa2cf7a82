package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Dispatcher is the minimal surface core tools need to invoke another
// registry entry by fully-qualified name, the same way tools/call would.
type Dispatcher interface {
	Resolve(name string) (*Entry, error)
}

// Changed is implemented by anything core tools should tell about a
// catalog change so it can schedule a tools/list_changed notification.
// *mcp.Notifier satisfies this via its Notify method.
type Changed interface {
	Notify()
}

// RegisterCoreTools installs the four built-in discovery tools from §4.4
// into r. notifier may be nil (tests, or a registry with no downstream
// connection yet).
func RegisterCoreTools(r *Registry, notifier Changed) {
	r.RegisterCore(OwnerCore, "discover_tools_by_words", "Search tool names and descriptions for matching words.",
		json.RawMessage(`{"type":"object","properties":{"words":{"type":"string"}},"required":["words"]}`),
		discoverToolsByWords(r))

	r.RegisterCore(OwnerCore, "get_tool_schema", "Return a tool's input schema by fully-qualified name.",
		json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		getToolSchema(r))

	r.RegisterCore(OwnerCore, "bridge_tool_request", "Invoke a tool by fully-qualified name with the given arguments.",
		json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name"]}`),
		bridgeToolRequest(r))

	r.RegisterCore(OwnerCore, "load_toolset", "Mark a configured named toolset as dynamically exposed.",
		json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		loadToolset(r, notifier))
}

type scoredMatch struct {
	entry *Entry
	score int
}

// discoverToolsByWords does a case-insensitive substring/word match against
// every discovered tool's FQ name and description, ranked by number of
// distinct query words matched.
func discoverToolsByWords(r *Registry) PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		raw, _ := args["words"].(string)
		words := strings.Fields(strings.ToLower(raw))
		if len(words) == 0 {
			return json.RawMessage(`{"matches":[]}`), nil
		}

		var scored []scoredMatch
		for _, e := range r.All() {
			if e.Core {
				continue
			}
			haystack := strings.ToLower(e.FQName + " " + e.Description)
			score := 0
			for _, w := range words {
				if strings.Contains(haystack, w) {
					score++
				}
			}
			if score > 0 {
				scored = append(scored, scoredMatch{entry: e, score: score})
			}
		}
		sort.SliceStable(scored, func(i, j int) bool {
			if scored[i].score != scored[j].score {
				return scored[i].score > scored[j].score
			}
			return scored[i].entry.FQName < scored[j].entry.FQName
		})

		type match struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Score       int    `json:"score"`
		}
		matches := make([]match, 0, len(scored))
		for _, s := range scored {
			matches = append(matches, match{Name: s.entry.FQName, Description: s.entry.Description, Score: s.score})
		}
		return json.Marshal(map[string]any{"matches": matches})
	}
}

func getToolSchema(r *Registry) PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		name, _ := args["name"].(string)
		e, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("tool_not_found: %s", name)
		}
		return json.Marshal(map[string]any{
			"name":        e.FQName,
			"description": e.Description,
			"inputSchema": e.InputSchema,
		})
	}
}

func bridgeToolRequest(r *Registry) PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		name, _ := args["name"].(string)
		toolArgs, _ := args["arguments"].(map[string]interface{})

		e, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		if e.Handler == nil {
			return nil, fmt.Errorf("upstream_unavailable: %s", name)
		}
		return e.Handler(toolArgs)
	}
}

func loadToolset(r *Registry, notifier Changed) PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		name, _ := args["name"].(string)
		enabled, changed, err := r.EnableToolset(name)
		if err != nil {
			return nil, err
		}
		if changed && notifier != nil {
			notifier.Notify()
		}
		return json.Marshal(map[string]any{"enabled": enabled})
	}
}
