package openai_tools

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	sseDataPrefix = "data:"
	sseDoneData   = "[DONE]"
)

// StreamDecoder turns arbitrarily chunked chat-completion SSE bytes into
// content deltas. Chunks need not align with lines; the remainder of an
// unterminated line is kept until the next Feed or Flush.
type StreamDecoder struct {
	buf  []byte
	done bool

	// Skipped counts data frames that could not be decoded.
	Skipped int
}

// Feed decodes every complete line in buf+chunk. done reports that the
// [DONE] sentinel was seen; anything after it is ignored.
func (d *StreamDecoder) Feed(chunk []byte) (tokens []string, done bool) {
	if d.done {
		return nil, true
	}
	d.buf = append(d.buf, chunk...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if d.decodeLine(line, &tokens) {
			d.done = true
			d.buf = nil
			return tokens, true
		}
	}
	return tokens, false
}

// Flush decodes a trailing line left without a newline when the transport
// closed.
func (d *StreamDecoder) Flush() (tokens []string, done bool) {
	if d.done {
		return nil, true
	}
	line := string(d.buf)
	d.buf = nil
	if d.decodeLine(line, &tokens) {
		d.done = true
	}
	return tokens, d.done
}

func (d *StreamDecoder) Done() bool {
	return d.done
}

func (d *StreamDecoder) decodeLine(line string, tokens *[]string) bool {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, sseDataPrefix) {
		return false
	}
	payload := strings.TrimSpace(line[len(sseDataPrefix):])
	if payload == sseDoneData {
		return true
	}
	token, ok := DecodeDelta(payload)
	if !ok {
		d.Skipped++
		return false
	}
	if token != "" {
		*tokens = append(*tokens, token)
	}
	return false
}

// DecodeDelta extracts choices[0].delta.content from one stream frame.
// ok is false when the payload is not a chunk object. Blank content is
// returned as "".
func DecodeDelta(payload string) (token string, ok bool) {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", true
	}
	content := chunk.Choices[0].Delta.Content
	if strings.TrimSpace(content) == "" {
		return "", true
	}
	return content, true
}
