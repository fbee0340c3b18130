package a2a

import "time"

// AgentEndpoint references an external A2A agent the broker may
// delegate work to. Endpoints are managed out-of-band and loaded from
// the endpoint registry file.
type AgentEndpoint struct {
	AgentID        string    `json:"agentId" yaml:"agent_id"`
	URL            string    `json:"url" yaml:"url"`
	CapabilityTags []string  `json:"capabilityTags,omitempty" yaml:"capability_tags"`
	AuthRef        string    `json:"authRef,omitempty" yaml:"auth_ref"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	LastSuccess    time.Time `json:"lastSuccess,omitempty" yaml:"-"`
}
