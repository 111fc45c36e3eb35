package types

import "time"

// Capability identifies a feature a provider can serve.
type Capability string

const (
	CapabilityThinking  Capability = "thinking"
	CapabilityVision    Capability = "vision"
	CapabilityTools     Capability = "tools"
	CapabilityStreaming Capability = "streaming"
	CapabilityJSONMode  Capability = "json_mode"
)

// Provider is a catalog entry describing one backend. Immutable after load.
type Provider struct {
	ID           string         `yaml:"id" json:"id"`
	Kind         string         `yaml:"kind" json:"kind"` // "openai" or "anthropic"
	DisplayName  string         `yaml:"display_name" json:"display_name"`
	Enabled      bool           `yaml:"enabled" json:"enabled"`
	Priority     int            `yaml:"priority" json:"priority"` // higher = preferred
	Capabilities []Capability   `yaml:"capabilities" json:"capabilities"`
	Endpoint     EndpointConfig `yaml:"endpoint" json:"endpoint"`
}

// EndpointConfig holds connection details for a provider. The routing core
// never inspects it; only the dispatcher adapters do.
type EndpointConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	APIKey       string        `yaml:"api_key" json:"-"`
	DefaultModel string        `yaml:"default_model" json:"default_model"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// HasCapability reports whether the provider declares cap.
func (p *Provider) HasCapability(cap Capability) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Covers reports whether the provider declares every capability in caps.
func (p *Provider) Covers(caps []Capability) bool {
	for _, c := range caps {
		if !p.HasCapability(c) {
			return false
		}
	}
	return true
}

// RequestType tags what kind of request is being routed.
type RequestType string

const (
	RequestTypeDefault  RequestType = "default"
	RequestTypeThinking RequestType = "thinking"
	RequestTypeVision   RequestType = "vision"
	RequestTypeTools    RequestType = "tools"
)

// RequestRequirements is derived once per incoming request and read-only
// within a routing cycle.
type RequestRequirements struct {
	Type         RequestType  `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Complexity   int          `json:"complexity"` // rough token estimate
}

// PrimaryCapability returns the capability implied by the request type, or
// empty for default requests.
func (r *RequestRequirements) PrimaryCapability() Capability {
	switch r.Type {
	case RequestTypeThinking:
		return CapabilityThinking
	case RequestTypeVision:
		return CapabilityVision
	case RequestTypeTools:
		return CapabilityTools
	}
	return ""
}

// HealthState summarizes a provider's last known health.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the externally visible health record for one provider.
type HealthStatus struct {
	State        HealthState `json:"state"`
	ResponseTime int64       `json:"response_time_ms"`
	LastChecked  int64       `json:"last_checked"`
	ErrorMessage string      `json:"error_message,omitempty"`
}
