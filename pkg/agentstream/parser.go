package agentstream

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
)

// DefaultMaxLineBytes caps a single NDJSON line. Lines beyond the cap are
// dropped as parse errors instead of growing the buffer without bound.
const DefaultMaxLineBytes = 10 * 1024 * 1024

// Parser is an incremental NDJSON parser. Feed it arbitrary byte chunks and
// it yields complete events in arrival order. It is not safe for concurrent
// use; each process stream owns one parser.
type Parser struct {
	buf          bytes.Buffer
	lineCount    int
	maxLineBytes int
	discarding   bool
	log          *logger.Logger
}

// NewParser creates a parser with the default line cap.
func NewParser(log *logger.Logger) *Parser {
	return NewParserWithLimit(log, DefaultMaxLineBytes)
}

// NewParserWithLimit creates a parser with an explicit line cap.
func NewParserWithLimit(log *logger.Logger, maxLineBytes int) *Parser {
	if log == nil {
		log = logger.Default()
	}
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Parser{
		maxLineBytes: maxLineBytes,
		log:          log.WithComponent("ndjson-parser"),
	}
}

// LineCount returns the number of complete lines seen so far, including
// malformed ones. Used for diagnostics.
func (p *Parser) LineCount() int {
	return p.lineCount
}

// Parse appends chunk to the internal buffer and returns every event whose
// line completed within it. Malformed lines are logged and skipped; they
// never abort the stream or corrupt subsequent lines.
func (p *Parser) Parse(chunk []byte) []*Event {
	if len(chunk) == 0 {
		return nil
	}
	p.buf.Write(chunk)

	var events []*Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			// No complete line; enforce the cap on the partial tail.
			if p.buf.Len() > p.maxLineBytes && !p.discarding {
				p.log.Warn("line exceeds maximum length, discarding until next newline",
					zap.Int("line", p.lineCount+1),
					zap.Int("max_bytes", p.maxLineBytes))
				p.buf.Reset()
				p.discarding = true
			}
			return events
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)

		if p.discarding {
			// Tail of an oversized line; resume at this boundary.
			p.discarding = false
			p.lineCount++
			continue
		}

		p.lineCount++
		if len(line) > p.maxLineBytes {
			p.log.Warn("line exceeds maximum length, skipping",
				zap.Int("line", p.lineCount),
				zap.Int("bytes", len(line)),
				zap.Int("max_bytes", p.maxLineBytes))
			continue
		}
		if ev := p.parseLine(line); ev != nil {
			events = append(events, ev)
		}
	}
}

// Flush parses any trailing buffered content as a final line. Call it once
// when the stream ends.
func (p *Parser) Flush() []*Event {
	if p.discarding {
		p.discarding = false
		p.buf.Reset()
		return nil
	}
	if p.buf.Len() == 0 {
		return nil
	}
	line := make([]byte, p.buf.Len())
	copy(line, p.buf.Bytes())
	p.buf.Reset()
	p.lineCount++
	if ev := p.parseLine(line); ev != nil {
		return []*Event{ev}
	}
	return nil
}

func (p *Parser) parseLine(line []byte) *Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		p.log.Warn("skipping malformed line",
			zap.Int("line", p.lineCount),
			zap.Int("bytes", len(line)),
			zap.Error(err))
		return nil
	}
	if ev.Type == "" {
		p.log.Warn("skipping line without type", zap.Int("line", p.lineCount))
		return nil
	}

	switch ev.Type {
	case EventTypeSystem, EventTypeAssistant, EventTypeUser, EventTypeResult, EventTypeStreamEvent:
	default:
		p.log.Warn("passing through unknown event type",
			zap.String("type", ev.Type),
			zap.Int("line", p.lineCount))
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	ev.Raw = raw
	return &ev
}
