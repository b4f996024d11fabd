package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/emberml/ember/internal/session"
)

// sseWriter frames generation events as server-sent events. One writer
// serves one response; it is not safe for concurrent use.
type sseWriter struct {
	w     io.Writer
	flush func()
}

func newSSEWriter(c *echo.Context) (*sseWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &sseWriter{w: res, flush: flusher.Flush}, nil
}

func (s *sseWriter) emitFragment(frag session.Fragment) error {
	return s.send(streamEvent{
		Type:    "fragment",
		Text:    frag.Text,
		TokenID: frag.TokenID,
		Index:   frag.Index,
	})
}

// emitDone terminates the stream with either a done or an error event,
// then the SSE sentinel.
func (s *sseWriter) emitDone(stream *session.Stream) error {
	stats := stream.Stats()
	ev := streamEvent{
		Type:        "done",
		StreamID:    stream.ID,
		Tokens:      stats.TokensGenerated,
		DurationMS:  stats.Duration.Milliseconds(),
		TokensPerS:  stats.TPS(),
		FinishCause: "stop",
	}
	if err := stream.Err(); err != nil {
		ev.Type = "error"
		ev.ErrMessage = err.Error()
		ev.FinishCause = "error"
	}
	if err := s.send(ev); err != nil {
		return err
	}
	_, err := io.WriteString(s.w, "data: [DONE]\n\n")
	s.flush()
	return err
}

func (s *sseWriter) send(ev streamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}
