package runner

import "context"

// Request is one completion request to a model backend.
type Request struct {
	Prompt       string
	SystemPrompt string
}

// Response is the backend's reply.
type Response struct {
	Content string
}

// Adapter generates a reply for a conversation context. Implementations
// wrap a model backend; errors are retried on the next poll round.
type Adapter interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req Request) (Response, error)

func (f AdapterFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
