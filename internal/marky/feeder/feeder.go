// Package feeder ingests bulk documents into a room's transition table:
// plain text files (one message per line) and JSON chat exports. Feeding
// is how an empty room gets a usable vocabulary without waiting weeks for
// organic chatter.
package feeder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/velchev/marky/internal/marky/chain"
)

// Feeds are a convenience, not a firehose.
const (
	// MaxPlainBytes caps plain-text documents (1024 KB).
	MaxPlainBytes = 1024 * 1024
	// MaxJSONBytes caps JSON chat exports (10 MB).
	MaxJSONBytes = 10 * 1024 * 1024
	// ChunkSize is the number of lines ingested per batch.
	ChunkSize = 500
	// MaxChunks caps how many batches a single feed may ingest; the rest
	// of the document is dropped and the report flags the truncation.
	MaxChunks = 10
	// ingestWorkers bounds concurrent chunk ingestion.
	ingestWorkers = 4
)

// exportSchema validates the shape of a JSON chat export before any line
// is decoded into the store: an object with a "messages" array whose
// entries may carry a "text" that is either a string or an array of
// string/{"text": …} fragments (the Telegram export format).
const exportSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["messages"],
	"properties": {
		"messages": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"text": {
						"anyOf": [
							{"type": "string"},
							{
								"type": "array",
								"items": {
									"anyOf": [
										{"type": "string"},
										{
											"type": "object",
											"required": ["text"],
											"properties": {"text": {"type": "string"}}
										}
									]
								}
							}
						]
					}
				}
			}
		}
	}
}`

var compiledExportSchema = jsonschema.MustCompileString("chat-export.schema.json", exportSchema)

// Ingestor is what the feeder needs from the transition store.
type Ingestor interface {
	RecordSequence(ctx context.Context, roomID string, tokens []string) error
}

// Report summarises one feed operation.
type Report struct {
	// JobID identifies the feed in logs and the confirmation message.
	JobID string
	// LinesFed is the number of lines ingested into the store.
	LinesFed int
	// LinesSkipped counts lines dropped for being shorter than two words.
	LinesSkipped int
	// Truncated is set when the document exceeded MaxChunks batches and
	// the tail was dropped.
	Truncated bool
}

// Feeder ingests documents for a room.
type Feeder struct {
	store  Ingestor
	logger *slog.Logger
}

// New creates a Feeder. A nil logger falls back to slog.Default().
func New(store Ingestor, logger *slog.Logger) *Feeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{store: store, logger: logger}
}

// Feed ingests one document into the room's transition table. JSON chat
// exports are detected by their leading brace and validated against the
// export schema; anything else is treated as plain text, one message per
// line. Lines with fewer than two words carry no useful transition and
// are skipped.
func (f *Feeder) Feed(ctx context.Context, roomID string, data []byte) (*Report, error) {
	report := &Report{JobID: uuid.New().String()}

	var lines []string
	if looksLikeJSON(data) {
		if len(data) > MaxJSONBytes {
			return nil, fmt.Errorf("feeder: JSON export is %d bytes, limit is %d", len(data), MaxJSONBytes)
		}
		var err error
		lines, err = extractExportLines(data)
		if err != nil {
			return nil, err
		}
	} else {
		if len(data) > MaxPlainBytes {
			return nil, fmt.Errorf("feeder: document is %d bytes, limit is %d", len(data), MaxPlainBytes)
		}
		lines = splitLines(data)
	}

	// Tokenize up front so skipped lines are counted before chunking.
	var sequences [][]string
	for _, line := range lines {
		tokens := chain.Tokenize(line)
		if len(tokens) < 2 {
			report.LinesSkipped++
			continue
		}
		sequences = append(sequences, tokens)
	}

	if max := ChunkSize * MaxChunks; len(sequences) > max {
		report.Truncated = true
		sequences = sequences[:max]
	}
	report.LinesFed = len(sequences)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestWorkers)
	for start := 0; start < len(sequences); start += ChunkSize {
		end := min(start+ChunkSize, len(sequences))
		chunk := sequences[start:end]
		g.Go(func() error {
			for _, tokens := range chunk {
				if err := f.store.RecordSequence(gctx, roomID, tokens); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Only context cancellation escapes RecordSequence; storage faults
		// have already been logged and swallowed downstream.
		return nil, fmt.Errorf("feeder: ingest interrupted: %w", err)
	}

	f.logger.Info("feed complete",
		"job", report.JobID, "room", roomID,
		"fed", report.LinesFed, "skipped", report.LinesSkipped, "truncated", report.Truncated)
	return report, nil
}

// looksLikeJSON reports whether the document starts with an object brace
// after leading whitespace.
func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// splitLines splits a plain-text document into non-empty lines.
func splitLines(data []byte) []string {
	var lines []string
	for _, raw := range bytes.Split(data, []byte("\n")) {
		line := string(bytes.TrimSpace(raw))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// chatExport mirrors the subset of the export format the feeder reads.
// Text is either a plain string or an array of string / {"text": …}
// fragments; fragments are concatenated.
type chatExport struct {
	Messages []struct {
		Text json.RawMessage `json:"text"`
	} `json:"messages"`
}

// extractExportLines validates the export against the schema and flattens
// each message's text into one line.
func extractExportLines(data []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("feeder: invalid JSON: %w", err)
	}
	if err := compiledExportSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("feeder: document is not a chat export: %w", err)
	}

	var export chatExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("feeder: decode export: %w", err)
	}

	var lines []string
	for _, msg := range export.Messages {
		text := flattenText(msg.Text)
		if text != "" {
			lines = append(lines, text)
		}
	}
	return lines, nil
}

// flattenText concatenates the string and fragment forms of a message's
// text field. The schema has already rejected anything else.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var fragments []json.RawMessage
	if err := json.Unmarshal(raw, &fragments); err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, frag := range fragments {
		var part string
		if err := json.Unmarshal(frag, &part); err == nil {
			buf.WriteString(part)
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(frag, &obj); err == nil {
			buf.WriteString(obj.Text)
		}
	}
	return buf.String()
}
