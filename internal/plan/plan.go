// Package plan parses, validates, hashes, and previews coworker task plans.
package plan

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
)

// Version is the only supported plan schema version.
const Version = 1

// HashPrefix is prepended to every computed plan hash.
const HashPrefix = "sha256:"

// WriteTools are the tool names that mutate the filesystem and count
// toward auto-checkpoint placement.
var WriteTools = map[string]bool{
	"fs.apply_write_file": true,
	"fs.move":              true,
	"fs.rename":            true,
}

// ToolCall is a single step of a plan.
type ToolCall struct {
	ID         string                 `json:"id"`
	Tool       string                 `json:"tool"`
	Args       map[string]any         `json:"args"`
	Checkpoint bool                   `json:"checkpoint,omitempty"`
	Rollback   string                 `json:"rollback,omitempty"`
}

// Plan is a declarative sequence of tool calls plus metadata.
type Plan struct {
	Version     int            `json:"version"`
	CreatedAt   string         `json:"created_at,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls"`
	PlanHash    string         `json:"plan_hash,omitempty"`
	Approval    map[string]any `json:"approval,omitempty"`
	Checkpoints []string       `json:"checkpoints,omitempty"`

	// extra preserves any additional top-level fields round-tripped from
	// raw JSON so hashing sees the exact same document a caller loaded.
	extra map[string]json.RawMessage
}

// ValidationError reports a structural problem with a plan document.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan: invalid plan: %s", strings.Join(e.Errors, "; "))
}

// Parse decodes and structurally validates a plan document.
func Parse(data []byte) (*Plan, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("plan: parse: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plan: parse: %w", err)
	}

	p.extra = raw
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the structural invariants of a plan: required version,
// a tool_calls list, and well-formed entries within it.
func Validate(p *Plan) error {
	var errs []string
	if p.Version != Version {
		errs = append(errs, fmt.Sprintf("unsupported plan version: %d", p.Version))
	}
	if p.ToolCalls == nil {
		errs = append(errs, "plan must include tool_calls list")
	}
	callIDs := make(map[string]bool, len(p.ToolCalls))
	for idx, call := range p.ToolCalls {
		if strings.TrimSpace(call.ID) == "" {
			errs = append(errs, fmt.Sprintf("tool call %d missing id", idx))
		}
		if strings.TrimSpace(call.Tool) == "" {
			errs = append(errs, fmt.Sprintf("tool call %d missing tool", idx))
		}
		if call.Args == nil {
			errs = append(errs, fmt.Sprintf("tool call %d missing args", idx))
		}
		if call.ID != "" {
			callIDs[call.ID] = true
		}
	}
	for _, c := range p.Checkpoints {
		if !callIDs[c] {
			errs = append(errs, fmt.Sprintf("checkpoint %q is not a tool call id", c))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// EnsureFields fills in version/created_at defaults for a freshly built plan.
func EnsureFields(p *Plan) {
	if p.Version == 0 {
		p.Version = Version
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format("20060102T150405Z")
	}
}

// Hash computes the canonical sha256 hash of a plan, excluding the
// plan_hash and approval fields so recording an approval never changes
// a plan's identity.
func Hash(p *Plan) (string, error) {
	stripped, err := stripHashFields(p)
	if err != nil {
		return "", fmt.Errorf("plan: hash: %w", err)
	}

	canonical, err := canonicalJSON(stripped)
	if err != nil {
		return "", fmt.Errorf("plan: hash: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s%x", HashPrefix, sum), nil
}

// EnsureHash computes and stores the plan's hash, returning it.
func EnsureHash(p *Plan) (string, error) {
	h, err := Hash(p)
	if err != nil {
		return "", err
	}
	p.PlanHash = h
	return h, nil
}

// stripHashFields round-trips the plan through its original raw JSON (so
// unknown/extra fields survive) while removing plan_hash and approval.
func stripHashFields(p *Plan) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	for k, v := range p.extra {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			continue
		}
		generic[k] = decoded
	}
	delete(generic, "plan_hash")
	delete(generic, "approval")
	return generic, nil
}

// canonicalJSON serializes v with sorted object keys, compact
// separators, and ASCII-only output, in the style of the Python
// reference's json.dumps(sort_keys=True, separators=(",", ":"),
// ensure_ascii=True). Scalars go through encoding/json, so <, > and &
// inside strings are written as \u-escapes rather than literally, and numbers
// are float64 values (1.0 is written as 1); on those points the bytes
// differ from json.dumps.
func canonicalJSON(v any) ([]byte, error) {
	var buf strings.Builder
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func encodeCanonical(buf *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(asciiEscape(keyBytes))
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(asciiEscape(data))
		return nil
	}
}

// asciiEscape rewrites any non-ASCII byte sequences encoded by
// encoding/json into \uXXXX escapes, matching ensure_ascii=True.
func asciiEscape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, r := range string(data) {
		if r < 0x80 {
			out = append(out, byte(r))
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			out = append(out, []byte(fmt.Sprintf("\\u%04x\\u%04x", hi, lo))...)
			continue
		}
		out = append(out, []byte(fmt.Sprintf("\\u%04x", r))...)
	}
	return out
}

// BuildPreview renders a short human-readable line per tool call.
func BuildPreview(p *Plan) []string {
	lines := []string{fmt.Sprintf("Tool calls: %d", len(p.ToolCalls))}
	for _, call := range p.ToolCalls {
		lines = append(lines, formatToolPreview(call))
	}
	return lines
}

func formatToolPreview(call ToolCall) string {
	switch call.Tool {
	case "fs.move", "fs.rename":
		src, _ := call.Args["path"].(string)
		dst, _ := call.Args["dst"].(string)
		line := fmt.Sprintf("- %s: %s -> %s", call.Tool, src, dst)
		if call.Rollback != "" {
			line += fmt.Sprintf(" (rollback: %s)", call.Rollback)
		}
		return line
	case "fs.read_text", "fs.list_dir", "fs.propose_write_file", "fs.apply_write_file":
		path, _ := call.Args["path"].(string)
		return fmt.Sprintf("- %s: %s", call.Tool, path)
	case "doc.extract_pdf_text":
		path, _ := call.Args["path"].(string)
		return fmt.Sprintf("- %s: %s", call.Tool, path)
	case "web.fetch":
		url, _ := call.Args["url"].(string)
		return fmt.Sprintf("- %s: %s", call.Tool, url)
	default:
		return fmt.Sprintf("- %s", call.Tool)
	}
}

// AutoCheckpoints derives a checkpoint after every `every`-th write tool
// call (fs.apply_write_file, fs.move, fs.rename), in plan order.
func AutoCheckpoints(calls []ToolCall, every int) []string {
	if every <= 0 {
		return nil
	}
	var checkpoints []string
	writeCount := 0
	for _, call := range calls {
		if !WriteTools[call.Tool] {
			continue
		}
		id := strings.TrimSpace(call.ID)
		if id == "" {
			continue
		}
		writeCount++
		if writeCount%every == 0 {
			checkpoints = append(checkpoints, id)
		}
	}
	return checkpoints
}
