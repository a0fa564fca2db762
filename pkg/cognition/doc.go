// Package cognition sends fused requests to a reasoning backend and turns the
// replies into action candidates.
//
// The Gateway keeps at most one call outstanding. A new Submit cancels any
// call that is still running, and a reply whose request id is no longer
// current is discarded. Transient backend errors are retried with exponential
// backoff inside the deadline; an exhausted deadline is reported as a
// diag.TimeoutError and never retried. Only replies that parse and validate
// are pushed into the fusion context window.
//
// Backends:
//   - anthropic: Messages API via anthropic-sdk-go
//   - openai: Chat Completions via openai-go (also any compatible base URL)
//   - gemini: google.golang.org/genai
//   - http: JSON POST of the fused request to an endpoint
package cognition
