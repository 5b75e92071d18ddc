package domain

// ChatMessage is the provider-agnostic chat message shape sent to the
// generation service.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Token is one increment of a streamed generation. A token with a non-nil Err
// is always the last one on its channel.
type Token struct {
	Text string
	Err  error
}
