package models

// AnalysisRequest asks for a verdict on a before/after pair
type AnalysisRequest struct {
	Before ImageRecord `json:"before" binding:"required"`
	After  ImageRecord `json:"after" binding:"required"`
}

// ConnectivityRequest lets the host push its network status
type ConnectivityRequest struct {
	Connected *bool `json:"connected" binding:"required"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// VerdictResponse is the presented form of a decision
type VerdictResponse struct {
	Verdict      string    `json:"verdict"`
	Presentation string    `json:"presentation"`
	Decision     *Decision `json:"decision"`
}

// QueuedResponse acknowledges a deferred analysis
type QueuedResponse struct {
	QueuedID string `json:"queued_id"`
	Status   string `json:"status"`
}
