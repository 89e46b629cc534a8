// Package connection provides the transport used to talk to a DVID server:
// URI composition, request execution, retries and failure classification.
//
// Retries
//   - Attempts are 1 + retries, where retries comes from Builder.WithRetries or
//     the per-request WithRetries option.
//   - GET, HEAD, PUT and DELETE are retry-eligible. POST is retried only when
//     the request carries WithIdempotent.
//   - Retry-eligible requests are retried on transport errors (connection
//     refused or reset, EOF, per-attempt timeout) and on 502, 503 and 504.
//   - Any other non-2xx status is returned at once as a RemoteError together
//     with the Response.
//   - Cancellation of the caller context is never retried.
//
// Backoff Strategy
//   - Exponential backoff based on retryDelay: delay = retryDelay * 2^attempt
//   - Full jitter is applied: actual sleep is random in [0, delay).
//   - Delay is capped at 30 seconds and the wait ends early if the caller
//     context is done.
//
// Notes
//   - Request bodies are re-sent by rebuilding the http.Request on each attempt.
//   - Interceptor errors are not retried and are surfaced immediately.
//   - With request coalescing enabled, identical concurrent GET and HEAD calls
//     share one in-flight request.
package connection
