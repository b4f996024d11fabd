package api

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

// HealthResponse reports the session lifecycle for readiness probes and
// progress UIs.
type HealthResponse struct {
	Status       string   `json:"status"`
	Progress     float64  `json:"progress"`
	Degraded     bool     `json:"degraded"`
	MissingSlots []string `json:"missing_slots,omitempty"`
	Error        string   `json:"error,omitempty"`
	Version      string   `json:"version"`
}

// ModelInfo describes the loaded model for GET /api/models.
type ModelInfo struct {
	Directory        string `json:"directory"`
	HiddenSize       int    `json:"hidden_size"`
	LayerCount       int    `json:"layer_count"`
	HeadCount        int    `json:"head_count"`
	VocabSize        int    `json:"vocab_size"`
	IntermediateSize int    `json:"intermediate_size"`
	MaxPosition      int    `json:"max_position"`
	Degraded         bool   `json:"degraded"`
	TiedOutput       bool   `json:"tied_output"`
}

// streamEvent is one SSE payload on the generate stream.
type streamEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	TokenID int    `json:"token_id,omitempty"`
	Index   int    `json:"index,omitempty"`
	// Done-event fields.
	StreamID    string  `json:"stream_id,omitempty"`
	Tokens      int     `json:"tokens,omitempty"`
	DurationMS  int64   `json:"duration_ms,omitempty"`
	TokensPerS  float64 `json:"tokens_per_second,omitempty"`
	ErrMessage  string  `json:"error,omitempty"`
	FinishCause string  `json:"finish_cause,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
