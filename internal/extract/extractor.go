package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agentforge/forge/internal/llm"
)

const llmTimeout = 30 * time.Second

const extractSystemPrompt = `You extract the final assistant response from a coding agent's terminal transcript.
The transcript is cleaned scrollback from an interactive coding session. Identify the message the agent most recently addressed to the user, ignoring tool output, progress noise, and prompts.
Reply with JSON only, no prose: {"text": "<the response, markdown allowed>", "files": ["<paths of files the agent explicitly offers to the user, if any>"]}.
If there is no user-facing response, return {"text": "", "files": []}.`

// Response is a relayed agent reply.
type Response struct {
	Text  string   `json:"text"`
	Files []string `json:"files,omitempty"`
}

// Extractor turns pipe-log segments into relayable responses, using the
// LLM when available and regex recovery otherwise.
type Extractor struct {
	llm      *llm.Client
	model    string
	maxChars int
}

// NewExtractor creates an Extractor. client may be nil or disabled.
func NewExtractor(client *llm.Client, model string, maxChars int) *Extractor {
	if maxChars <= 0 {
		maxChars = 4000
	}
	return &Extractor{llm: client, model: model, maxChars: maxChars}
}

// ReadSegment reads the pipe log from offset to EOF and returns the new
// offset. A missing log yields an empty segment.
func ReadSegment(logPath string, offset int64) (string, int64, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", offset, nil
		}
		return "", offset, fmt.Errorf("open pipe log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", offset, fmt.Errorf("stat pipe log: %w", err)
	}
	size := info.Size()
	if offset > size {
		// Log was truncated or replaced; start over.
		offset = 0
	}
	if offset == size {
		return "", offset, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", offset, fmt.Errorf("seek pipe log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", offset, fmt.Errorf("read pipe log: %w", err)
	}
	return string(data), size, nil
}

// Extract produces a response from a raw pipe-log segment. Never fails:
// when the LLM path is unavailable or errors, the regex fallback answers.
func (e *Extractor) Extract(ctx context.Context, raw string) Response {
	cleaned := Preprocess(raw)
	if strings.TrimSpace(cleaned) == "" {
		return Response{}
	}

	if e.llm != nil && e.llm.Enabled() {
		if resp, err := e.extractLLM(ctx, cleaned); err == nil {
			return e.cap(resp)
		} else {
			slog.Debug("llm extraction failed, using fallback", "error", err)
		}
	}
	return e.cap(Response{Text: FallbackExtract(cleaned)})
}

func (e *Extractor) extractLLM(ctx context.Context, cleaned string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	reply, err := e.llm.Complete(ctx, e.model, extractSystemPrompt, cleaned, 1024)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal([]byte(stripFences(reply)), &resp); err != nil {
		return Response{}, fmt.Errorf("parse extraction reply: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" && len(resp.Files) == 0 {
		return Response{}, fmt.Errorf("extraction returned empty response")
	}
	return resp, nil
}

func (e *Extractor) cap(resp Response) Response {
	if len(resp.Text) > e.maxChars {
		resp.Text = resp.Text[:e.maxChars] + "\n… (truncated)"
	}
	return resp
}

// stripFences unwraps a ```json ... ``` fenced reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
