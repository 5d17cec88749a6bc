package client

// JSON models of the profiler control-plane API (v2 REST surface).

// ProfileType selects what the server may ask the agent to collect.
type ProfileType string

const (
	ProfileTypeWall ProfileType = "WALL"
	ProfileTypeHeap ProfileType = "HEAP"
)

// Deployment identifies which instance of which service is polling:
// project, target and the zone/instance labels.
type Deployment struct {
	ProjectID string            `json:"projectId,omitempty"`
	Target    string            `json:"target,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Profile is the server-assigned profiling assignment. It is created by
// CreateProfile and carried through upload unchanged except that
// ProfileBytes is populated and the agent's profile-level labels are merged
// into Labels. Duration uses the JSON duration form
// (decimal seconds with an "s" suffix) and is only meaningful for WALL.
//
// ProfileBytes is the gzipped pprof message; encoding/json transports it
// as standard base64 with padding.
type Profile struct {
	Name         string            `json:"name,omitempty"`
	ProfileType  ProfileType       `json:"profileType,omitempty"`
	Duration     string            `json:"duration,omitempty"`
	Deployment   *Deployment       `json:"deployment,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	ProfileBytes []byte            `json:"profileBytes,omitempty"`
}

type createProfileRequest struct {
	Deployment  *Deployment   `json:"deployment"`
	ProfileType []ProfileType `json:"profileType"`
}
