package adapters

import (
	"bytes"
	"strings"
)

const sseBufferSize = 4096

// StreamParser incrementally parses SSE bytes and folds each structured
// "data: {json}" event into a ParsedResponse through the adapter. Events may
// be split across chunks in any way; a trailing event without a blank line is
// parsed on Result.
type StreamParser struct {
	adapter Adapter
	buffer  []byte
	resp    ParsedResponse
	events  int
}

// NewStreamParser creates a parser for adapter's stream format.
func NewStreamParser(adapter Adapter) *StreamParser {
	return &StreamParser{
		adapter: adapter,
		buffer:  make([]byte, 0, sseBufferSize),
	}
}

// Feed consumes the next chunk of the stream.
func (p *StreamParser) Feed(chunk []byte) {
	p.buffer = append(p.buffer, chunk...)
	p.parse(false)
}

// Write implements io.Writer so the parser can sit behind an io.MultiWriter.
func (p *StreamParser) Write(chunk []byte) (int, error) {
	p.Feed(chunk)
	return len(chunk), nil
}

// Events returns the number of data events parsed so far.
func (p *StreamParser) Events() int {
	return p.events
}

// Result flushes any trailing event and returns the accumulated response.
func (p *StreamParser) Result() ParsedResponse {
	p.parse(true)
	return p.resp
}

func (p *StreamParser) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(p.buffer, flush)
		if !ok {
			return
		}
		p.buffer = rest
		p.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *StreamParser) parseEvent(event []byte) {
	lines := bytes.Split(event, []byte("\n"))
	dataLines := make([][]byte, 0, 2)

	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}
	if len(dataLines) == 0 {
		return
	}

	p.events++
	p.adapter.ParseStreamEvent(bytes.Join(dataLines, []byte("\n")), &p.resp)
}

// IsEventStream reports whether a Content-Type denotes SSE.
func IsEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}
