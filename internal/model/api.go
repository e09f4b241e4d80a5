package model

// NodeRef is the short description of a worker handed to clients
type NodeRef struct {
	ID           string   `json:"id"`
	URL          string   `json:"url"`
	Load         float64  `json:"load"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Ref returns the NodeRef of w
func (w WorkerRecord) Ref() NodeRef {
	return NodeRef{
		ID:           w.WorkerID,
		URL:          w.URL(),
		Load:         w.Load,
		Capabilities: w.Capabilities,
	}
}

// RegisterResponse is returned by the register endpoint
type RegisterResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Worker  WorkerRecord `json:"worker"`
}

// BestNodeResponse is returned by the best-node endpoint
type BestNodeResponse struct {
	Status string `json:"status"`
	Data   struct {
		Node NodeRef `json:"node"`
	} `json:"data"`
}

// ErrorResponse is the body of every non-2xx JSON answer
type ErrorResponse struct {
	Status     string `json:"status,omitempty"`
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	Reregister bool   `json:"reregister,omitempty"`
}
