package config

// ServerSpec configures one upstream MCP server. Either a subprocess
// (Command/Args/Env) or a network Transport must be set; not both.
type ServerSpec struct {
	// Name identifies the upstream; becomes the fully-qualified tool
	// prefix "<name>__<tool>". When servers is configured as a map, Name
	// is filled in from the map key during normalization.
	Name string `yaml:"name" mapstructure:"name"`

	// Command is the subprocess executable to spawn for a stdio upstream.
	Command string `yaml:"command" mapstructure:"command"`
	// Args are the subprocess arguments.
	Args []string `yaml:"args" mapstructure:"args"`
	// Env sets additional environment variables for the subprocess.
	Env map[string]string `yaml:"env" mapstructure:"env"`
	// SecretProviders names external secret sources (e.g. "env", "file")
	// resolved before Env is applied to the subprocess.
	SecretProviders []string `yaml:"secretProviders" mapstructure:"secretProviders"`

	// Transport configures a network upstream (ws/sse/streamable-http).
	// Nil for a stdio upstream.
	Transport *TransportSpec `yaml:"transport" mapstructure:"transport"`
	// Auth configures credentials for a network upstream.
	Auth *ServerAuthSpec `yaml:"auth" mapstructure:"auth"`
}

// IsNetwork reports whether this spec describes a network transport
// rather than a spawned subprocess.
func (s ServerSpec) IsNetwork() bool {
	return s.Transport != nil
}

// TransportSpec configures a network upstream transport.
type TransportSpec struct {
	// Kind selects the transport implementation: "ws", "sse", or
	// "streamable-http".
	Kind string `yaml:"kind" mapstructure:"kind" validate:"omitempty,oneof=ws sse streamable-http"`
	// URL is the upstream endpoint.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	// Timeout is the per-request timeout (e.g. "30s").
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
	// Reconnect overrides the top-level AutoReconnect policy for this
	// upstream only. Nil means inherit the top-level policy.
	Reconnect *ReconnectSpec `yaml:"reconnect" mapstructure:"reconnect"`
}

// ServerAuthSpec configures how a network upstream authenticates.
type ServerAuthSpec struct {
	// StaticHeaders are sent with every request (e.g. a long-lived token).
	StaticHeaders map[string]string `yaml:"staticHeaders" mapstructure:"staticHeaders"`
	// RefreshCommand, if set, is executed to obtain a fresh token on a
	// 401 response; stdout is trimmed and used as a Bearer token.
	RefreshCommand string `yaml:"refreshCommand" mapstructure:"refreshCommand"`
}

// ReconnectSpec is the autoReconnect policy from §6: capped exponential
// backoff with jitter, matching internal/domain/reconnect.Policy.
type ReconnectSpec struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	MaxAttempts       int     `yaml:"maxAttempts" mapstructure:"maxAttempts"`
	InitialDelayMs    int     `yaml:"initialDelayMs" mapstructure:"initialDelayMs"`
	MaxDelayMs        int     `yaml:"maxDelayMs" mapstructure:"maxDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" mapstructure:"backoffMultiplier"`
}

// CommandsConfig controls the plug-in "commands" registry (the debug/CDP
// subsystem registers under this owner).
type CommandsConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	List    []string `yaml:"list" mapstructure:"list"`
}

// AggregationConfig is the multi-upstream aggregation surface from
// SPEC_FULL.md §6, additive to the teacher's single-upstream UpstreamConfig.
type AggregationConfig struct {
	// Servers is the list form of the upstream set.
	Servers []ServerSpec `yaml:"servers" mapstructure:"servers"`
	// ServersMap is the map form (name -> spec); mutually exclusive with
	// Servers in practice, but both are accepted and merged by
	// ResolvedServers so either YAML shape works.
	ServersMap map[string]ServerSpec `yaml:"serversMap" mapstructure:"serversMap"`

	ExposeTools        []string `yaml:"exposeTools" mapstructure:"exposeTools"`
	HideTools          []string `yaml:"hideTools" mapstructure:"hideTools"`
	AlwaysVisibleTools []string `yaml:"alwaysVisibleTools" mapstructure:"alwaysVisibleTools"`
	// ExposeCoreTools names which core tools appear in tools/list; nil
	// (key omitted) means all, an explicit empty list means none.
	ExposeCoreTools     *[]string           `yaml:"exposeCoreTools" mapstructure:"exposeCoreTools"`
	Toolsets            map[string][]string `yaml:"toolsets" mapstructure:"toolsets"`
	AllowShortToolNames bool                `yaml:"allowShortToolNames" mapstructure:"allowShortToolNames"`
	Commands            CommandsConfig      `yaml:"commands" mapstructure:"commands"`
	AutoReconnect       ReconnectSpec       `yaml:"autoReconnect" mapstructure:"autoReconnect"`
}

// ResolvedServers normalizes the list-or-map servers configuration into a
// single ordered list, per SPEC_FULL.md's "servers config accepts
// array-or-map" resolution: map entries have their Name filled from the
// key and are appended after any list entries, sorted by key for
// deterministic startup ordering.
func (a AggregationConfig) ResolvedServers() []ServerSpec {
	out := make([]ServerSpec, 0, len(a.Servers)+len(a.ServersMap))
	out = append(out, a.Servers...)

	if len(a.ServersMap) > 0 {
		names := make([]string, 0, len(a.ServersMap))
		for name := range a.ServersMap {
			names = append(names, name)
		}
		sortStrings(names)
		for _, name := range names {
			spec := a.ServersMap[name]
			spec.Name = name
			out = append(out, spec)
		}
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// SetAggregationDefaults fills in the aggregation surface's defaults, in
// the same additive style as OSSConfig.SetDefaults.
func (a *AggregationConfig) SetAggregationDefaults() {
	if !a.AutoReconnect.Enabled && a.AutoReconnect.MaxAttempts == 0 && a.AutoReconnect.InitialDelayMs == 0 {
		a.AutoReconnect = ReconnectSpec{
			Enabled:           true,
			MaxAttempts:       0, // 0 selects internal/domain/reconnect.Policy's default of 10 attempts
			InitialDelayMs:    1000,
			MaxDelayMs:        60000,
			BackoffMultiplier: 2.0,
		}
	}
}
