package connection

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gaborage/go-dvid/logger"
)

const (
	msgRequest  = "REST client request"
	msgResponse = "REST client response"
	msgRetry    = "Retrying DVID request"
)

var redactedHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Set-Cookie":          {},
}

// logRequest logs the outgoing attempt
func (c *conn) logRequest(req *http.Request, body []byte, requestID string, attempt int) {
	event := c.logger.Info().
		Str("direction", "outbound").
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("request_id", requestID).
		Int("attempt", attempt)

	if n := len(req.Header); n > 0 {
		event = event.Int("header_count", n)
	}
	if len(body) > 0 {
		event = event.Int("body_size", len(body))
	}
	event.Msg(msgRequest)

	if c.config.LogPayloads {
		debug := c.logger.Debug().
			Str("direction", "outbound").
			Str("method", req.Method).
			Str("request_id", requestID)
		c.withPayload(debug, req.Header, body).Msg(msgRequest)
	}
}

// logResponse logs the incoming response
func (c *conn) logResponse(resp *Response, requestID string) {
	event := c.logger.Info().
		Str("direction", "inbound").
		Int("status", resp.StatusCode).
		Dur("elapsed", resp.Stats.ElapsedTime).
		Int64("call_count", resp.Stats.CallCount).
		Int("attempt", resp.Stats.Attempts).
		Str("request_id", requestID)

	if len(resp.Body) > 0 {
		event = event.Int("body_size", len(resp.Body))
	}
	event.Msg(msgResponse)

	if c.config.LogPayloads {
		debug := c.logger.Debug().
			Str("direction", "inbound").
			Int("status", resp.StatusCode).
			Str("request_id", requestID)
		c.withPayload(debug, resp.Headers, resp.Body).Msg(msgResponse)
	}
}

// logRetry logs a failed attempt that will be retried after delay
func (c *conn) logRetry(method, target, requestID string, attempt int, delay time.Duration, err error) {
	c.logger.Warn().
		Err(err).
		Str("method", method).
		Str("url", target).
		Str("request_id", requestID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg(msgRetry)
}

func (c *conn) withPayload(event logger.LogEvent, headers http.Header, body []byte) logger.LogEvent {
	limit := c.config.MaxPayloadLogBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadLogBytes
	}

	truncated := len(body) > limit
	preview := body
	if truncated {
		preview = body[:limit]
	}

	return event.
		Interface("headers", redactHeaders(headers)).
		Int("body_size", len(body)).
		Str("body_truncated", strconv.FormatBool(truncated)).
		Bytes("body_preview", preview)
}

// redactHeaders flattens headers for logging and masks credentials
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if _, sensitive := redactedHeaders[http.CanonicalHeaderKey(key)]; sensitive {
			out[key] = logger.DefaultMaskValue
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
