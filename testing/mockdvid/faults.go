package mockdvid

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Fault describes how the server misbehaves for one matching request.
type Fault struct {
	// Status, when set, is returned with Body instead of running the handler.
	Status int
	Body   string
	// Delay is applied before anything else; it ends early if the client goes away.
	Delay time.Duration
	// Reset closes the connection without writing a response.
	Reset bool
}

// InjectFault queues faults for method and path (for example "/api/repos").
// Each matching request consumes one fault in order; once the queue is empty
// requests are served normally.
func (s *Server) InjectFault(method, path string, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := faultKey(method, path)
	s.faults[key] = append(s.faults[key], faults...)
}

func faultKey(method, path string) string {
	return method + " " + path
}

func (s *Server) nextFault(method, path string) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := faultKey(method, path)
	queue := s.faults[key]
	if len(queue) == 0 {
		return Fault{}, false
	}
	s.faults[key] = queue[1:]
	return queue[0], true
}

func (s *Server) injectFaults(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		fault, ok := s.nextFault(req.Method, req.URL.Path)
		if !ok {
			return next(c)
		}

		if fault.Delay > 0 {
			timer := time.NewTimer(fault.Delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				return nil
			}
		}

		if fault.Reset {
			conn, _, err := c.Response().Hijack()
			if err != nil {
				return err
			}
			return conn.Close()
		}

		if fault.Status != 0 {
			return c.String(fault.Status, fault.Body)
		}
		return next(c)
	}
}

func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		var body []byte
		if req.Body != nil {
			data, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
			}
			body = data
			req.Body = io.NopCloser(bytes.NewReader(data))
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: req.Method,
			Path:   req.URL.Path,
			Query:  req.URL.Query(),
			Header: req.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()

		start := time.Now()
		err := next(c)
		s.logger.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", c.Response().Status).
			Dur("elapsed", time.Since(start)).
			Msg("mockdvid request")
		return err
	}
}
