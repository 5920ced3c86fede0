package coachapi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ent0n29/minacoach/internal/protocol"
)

// consumeSSE reads `data:` lines until a complete or error event. Comment and
// blank lines are skipped; payloads that are not events are ignored.
func consumeSSE(body io.Reader, endpoint string, onToken TokenHandler) (protocol.StreamEvent, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		ev, err := protocol.ParseStreamEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				continue
			}
			return protocol.StreamEvent{}, fmt.Errorf("%s: %w", endpoint, err)
		}
		switch ev.Type {
		case protocol.StreamToken:
			if onToken != nil {
				if err := onToken(ev.Token); err != nil {
					return protocol.StreamEvent{}, err
				}
			}
		case protocol.StreamComplete:
			return ev, nil
		case protocol.StreamError:
			return protocol.StreamEvent{}, &APIError{Endpoint: endpoint, Message: nonEmpty(ev.Error, "stream error")}
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.StreamEvent{}, fmt.Errorf("stream read: %w", err)
	}
	return protocol.StreamEvent{}, ErrStreamTruncated
}
