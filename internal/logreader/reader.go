// Package logreader turns one append-only, line-delimited JSON log into a
// restartable sequence of typed conversation records. A line that fails to
// parse is skipped; recorder-internal record kinds are filtered out before
// sequence numbers are assigned.
package logreader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
)

// recorder-internal record kinds, filtered before sequencing
var internalTypes = map[string]struct{}{
	"file-history-snapshot": {},
	"summary":               {},
	"queued-command":        {},
	"progress":              {},
}

const maxLineBytes = 4 << 20

// ContentBlock is one element of a message body. Kind covers the known block
// kinds; Raw always holds the original JSON so unknown kinds round-trip
// losslessly.
type ContentBlock struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
	BlockOpaque     = "opaque"
)

// Record is one conversation message. Sequence is assigned by the reader:
// 1-based, strictly increasing, gapless over the messages this file yields.
type Record struct {
	UUID      string
	SessionID string
	Type      string
	Role      string
	CWD       string
	Sequence  int64
	Timestamp time.Time
	Content   []ContentBlock
}

type rawLine struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// Reader is a pull cursor over one log file. It holds no open file handle
// between calls, so a reader can be kept per watched source indefinitely.
type Reader struct {
	path    string
	offset  int64
	seq     int64
	skipped int
}

func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// ResumeReader continues from a previously observed byte offset and sequence
// number, so large logs are not re-read from the start.
func ResumeReader(path string, offset, seq int64) *Reader {
	if offset < 0 {
		offset = 0
	}
	if seq < 0 {
		seq = 0
	}
	return &Reader{path: path, offset: offset, seq: seq}
}

// Offset is the byte position the next call to Next will read from. Only
// fully terminated lines are ever consumed, so the offset always sits on a
// line boundary.
func (r *Reader) Offset() int64 { return r.offset }

// Sequence is the sequence number of the last yielded record.
func (r *Reader) Sequence() int64 { return r.seq }

// Skipped counts malformed lines dropped since the reader was created.
func (r *Reader) Skipped() int { return r.skipped }

// Next reads up to max records from the current offset. It returns an empty
// slice, not an error, when no complete new line is available yet. A final
// unterminated line is left for a later call; the recorder is still writing
// it.
func (r *Reader) Next(max int) ([]Record, error) {
	if max <= 0 {
		max = 100
	}
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	records := make([]Record, 0, max)
	for len(records) < max {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// unterminated tail line: leave it unconsumed
			break
		}
		if err != nil {
			return records, err
		}
		consumed := int64(len(line))
		if len(line) > maxLineBytes {
			r.offset += consumed
			r.skipped++
			continue
		}
		record, ok := r.parseLine(line)
		r.offset += consumed
		if !ok {
			continue
		}
		r.seq++
		record.Sequence = r.seq
		records = append(records, record)
	}
	return records, nil
}

// SeekSequence positions the cursor so the next yielded record has sequence
// after+1, rescanning from the start of the file. Used to backfill a store
// gap from the source range.
func (r *Reader) SeekSequence(after int64) error {
	r.offset = 0
	r.seq = 0
	if after <= 0 {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()
	reader := bufio.NewReaderSize(f, 64*1024)
	for r.seq < after {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		_, ok := r.parseLine(line)
		r.offset += int64(len(line))
		if !ok {
			continue
		}
		r.seq++
	}
	return nil
}

func (r *Reader) parseLine(line []byte) (Record, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Record{}, false
	}
	var raw rawLine
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		r.skipped++
		return Record{}, false
	}
	if !yieldable(raw) {
		return Record{}, false
	}
	record := Record{
		UUID:      raw.UUID,
		SessionID: raw.SessionID,
		Type:      raw.Type,
		Role:      raw.Message.Role,
		CWD:       raw.CWD,
		Content:   parseContent(raw.Message.Content),
	}
	if record.Role == "" {
		record.Role = raw.Type
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
		record.Timestamp = ts
	}
	return record, true
}

// yieldable is the filter predicate: applied after parse, before sequencing.
func yieldable(raw rawLine) bool {
	if _, internal := internalTypes[raw.Type]; internal {
		return false
	}
	if raw.Type != "user" && raw.Type != "assistant" {
		return false
	}
	return raw.UUID != ""
}

// parseContent models the open-ended message body as a tagged variant:
// known block kinds are surfaced, everything else becomes an opaque block
// that keeps its exact original JSON.
func parseContent(content json.RawMessage) []ContentBlock {
	if len(content) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return []ContentBlock{{Kind: BlockText, Text: asString}}
	}
	var asArray []json.RawMessage
	if err := json.Unmarshal(content, &asArray); err != nil {
		return []ContentBlock{{Kind: BlockOpaque, Raw: append(json.RawMessage(nil), content...)}}
	}
	blocks := make([]ContentBlock, 0, len(asArray))
	for _, element := range asArray {
		var tagged struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		raw := append(json.RawMessage(nil), element...)
		if err := json.Unmarshal(element, &tagged); err != nil {
			blocks = append(blocks, ContentBlock{Kind: BlockOpaque, Raw: raw})
			continue
		}
		switch tagged.Type {
		case BlockText:
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: tagged.Text, Raw: raw})
		case BlockToolUse, BlockToolResult, BlockThinking:
			blocks = append(blocks, ContentBlock{Kind: tagged.Type, Raw: raw})
		default:
			blocks = append(blocks, ContentBlock{Kind: BlockOpaque, Raw: raw})
		}
	}
	return blocks
}

// EncodeContent serializes blocks back to their wire form. Blocks carrying
// raw JSON emit it byte for byte; synthesized text blocks marshal minimally.
func EncodeContent(blocks []ContentBlock) json.RawMessage {
	if len(blocks) == 0 {
		return nil
	}
	parts := make([]json.RawMessage, 0, len(blocks))
	for _, block := range blocks {
		if len(block.Raw) > 0 {
			parts = append(parts, block.Raw)
			continue
		}
		encoded, err := json.Marshal(map[string]string{"type": BlockText, "text": block.Text})
		if err != nil {
			continue
		}
		parts = append(parts, encoded)
	}
	out, err := json.Marshal(parts)
	if err != nil {
		return nil
	}
	return out
}

// IsInternalType reports whether a record type belongs to the recorder
// itself rather than the conversation.
func IsInternalType(recordType string) bool {
	_, ok := internalTypes[strings.TrimSpace(recordType)]
	return ok
}
