package types

// Model is a registry entry for a discovered model file.
type Model struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Quant  string `json:"quant,omitempty"`
	Family string `json:"family,omitempty"`
}

// ModelPermission mirrors the OpenAI model permission object.
type ModelPermission struct {
	ID                 string  `json:"id"`
	Object             string  `json:"object"`
	Created            int64   `json:"created"`
	AllowCreateEngine  bool    `json:"allow_create_engine"`
	AllowSampling      bool    `json:"allow_sampling"`
	AllowLogprobs      bool    `json:"allow_logprobs"`
	AllowSearchIndices bool    `json:"allow_search_indices"`
	AllowView          bool    `json:"allow_view"`
	AllowFineTuning    bool    `json:"allow_fine_tuning"`
	Organization       string  `json:"organization"`
	Group              *string `json:"group"`
	IsBlocking         bool    `json:"is_blocking"`
}

// ModelCard is one entry of GET /v1/models.
type ModelCard struct {
	ID         string            `json:"id"`
	Object     string            `json:"object"`
	Created    int64             `json:"created"`
	OwnedBy    string            `json:"owned_by"`
	Root       *string           `json:"root"`
	Parent     *string           `json:"parent"`
	Permission []ModelPermission `json:"permission"`
}

// ModelList is the GET /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// ActiveRequest describes one in-flight generation for operational inspection.
type ActiveRequest struct {
	RequestID string `json:"request_id"`
	Handle    uint64 `json:"handle"`
}

// ActiveRequestsResponse is the GET /v1/active_conversations response.
type ActiveRequestsResponse struct {
	ActiveConversations []ActiveRequest `json:"active_conversations"`
	Count               int             `json:"count"`
}

// VersionResponse is the GET /version response.
type VersionResponse struct {
	Version string `json:"version"`
	Engine  string `json:"engine"`
}
