// Package parser provides transcript format adapters.
// Clean Architecture: Adapters implementing ports.SessionParser. Each parser
// knows one agent tool's raw transcript layout; the domain layer only sees
// normalized sessions.
package parser

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/convmemlabs/convmemory-go/internal/domain/entities"
)

// CodexParser normalizes Codex rollout transcripts: JSONL files named
// rollout-*.jsonl where each line carries a timestamp, a type tag and a
// payload.
type CodexParser struct{}

// NewCodexParser creates a Codex rollout parser.
func NewCodexParser() *CodexParser {
	return &CodexParser{}
}

// Format returns the format name this parser handles.
func (p *CodexParser) Format() string { return "codex" }

// Matches reports whether the file name looks like a Codex rollout.
func (p *CodexParser) Matches(filename string) bool {
	return strings.HasPrefix(filename, "rollout-") && strings.HasSuffix(filename, ".jsonl")
}

// rolloutLine is the envelope shared by every rollout record.
type rolloutLine struct {
	Timestamp  string          `json:"timestamp"`
	Type       string          `json:"type"`
	RecordType string          `json:"record_type"`
	Payload    json.RawMessage `json:"payload"`
}

// Parse reads a full rollout stream and returns its normalized session.
func (p *CodexParser) Parse(ctx context.Context, r io.Reader) (*entities.Session, error) {
	b := newSessionBuilder()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024) // tool outputs can make single lines very large

	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var line rolloutLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if line.RecordType == "state" {
			continue
		}

		var ts time.Time
		switch {
		case line.Timestamp != "":
			parsed, err := time.Parse(time.RFC3339Nano, line.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid timestamp %q: %w", lineNo, line.Timestamp, err)
			}
			b.observeTimestamp(parsed)
			ts = parsed
		case !b.lastTS.IsZero():
			ts = b.lastTS
		default:
			return nil, fmt.Errorf("line %d: missing timestamp", lineNo)
		}

		if line.Type == "" {
			if isLegacySessionMeta(raw) {
				b.meta = append(json.RawMessage(nil), raw...)
				continue
			}
			return nil, fmt.Errorf("line %d: missing type", lineNo)
		}

		payload := decodeObject(line.Payload)

		switch line.Type {
		case "session_meta":
			if len(line.Payload) > 0 {
				b.meta = append(json.RawMessage(nil), line.Payload...)
			} else {
				b.meta = append(json.RawMessage(nil), raw...)
			}
		case "turn_context":
			if payload != nil {
				b.startNewTurn(parseTurnContext(payload), ts)
			}
		case "response_item":
			if payload != nil {
				b.handleResponseItem(ts, payload)
			}
		case "event_msg":
			if payload != nil {
				b.handleEvent(ts, payload)
			}
		case "compacted":
			if payload != nil {
				b.handleCompacted(ts, payload)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rollout: %w", err)
	}

	return b.finalize(), nil
}

// isLegacySessionMeta detects the old headerless meta line: no type or
// record_type keys, but an id and a timestamp.
func isLegacySessionMeta(raw []byte) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, hasType := m["type"]
	_, hasRecordType := m["record_type"]
	_, hasID := m["id"]
	_, hasTS := m["timestamp"]
	return !hasType && !hasRecordType && hasID && hasTS
}

// turnContext carries the slice of turn_context we keep for digests.
type turnContext struct {
	cwd          string
	model        string
	summaryStyle string
}

func parseTurnContext(payload map[string]any) turnContext {
	cwd := getString(payload, "cwd")
	if cwd == "" {
		cwd = getString(payload, "cwd_path")
	}
	return turnContext{
		cwd:          cwd,
		model:        getString(payload, "model"),
		summaryStyle: getString(payload, "summary"),
	}
}

// sessionBuilder accumulates a session across rollout lines.
type sessionBuilder struct {
	meta               json.RawMessage
	turns              []entities.Turn
	cur                *turnBuilder
	nextIndex          int
	firstTS            time.Time
	lastTS             time.Time
	modelContextWindow int64
	contexts           []turnContext
}

func newSessionBuilder() *sessionBuilder {
	return &sessionBuilder{}
}

func (b *sessionBuilder) observeTimestamp(ts time.Time) {
	if b.firstTS.IsZero() {
		b.firstTS = ts
	}
	b.lastTS = ts
}

func (b *sessionBuilder) ensureTurn(ts time.Time) *turnBuilder {
	if b.cur == nil {
		b.cur = newTurnBuilder(b.nextIndex, ts)
		b.nextIndex++
	}
	return b.cur
}

func (b *sessionBuilder) startNewTurn(ctx turnContext, ts time.Time) *turnBuilder {
	b.flushTurn()
	b.cur = newTurnBuilder(b.nextIndex, ts)
	b.nextIndex++
	b.contexts = append(b.contexts, ctx)
	return b.cur
}

// flushTurn finishes the current turn, dropping it (and reclaiming its index)
// when it recorded nothing.
func (b *sessionBuilder) flushTurn() {
	if b.cur == nil {
		return
	}
	if b.cur.isEmpty() {
		b.nextIndex = b.cur.index
		b.cur = nil
		return
	}
	b.turns = append(b.turns, b.cur.finish())
	b.cur = nil
}

func (b *sessionBuilder) handleResponseItem(ts time.Time, payload map[string]any) {
	turn := b.ensureTurn(ts)
	turn.observe(ts)

	switch getString(payload, "type") {
	case "message":
		turn.handleMessage(payload)
	case "reasoning":
		turn.handleReasoning(payload)
	case "function_call":
		turn.handleFunctionCall(payload)
	case "function_call_output":
		turn.handleFunctionOutput(payload)
	case "custom_tool_call":
		turn.handleCustomToolCall(payload)
	case "custom_tool_call_output":
		turn.handleCustomToolOutput(payload)
	case "local_shell_call":
		turn.handleLocalShellCall(payload)
	case "web_search_call":
		turn.handleWebSearchCall(payload)
	}
}

func (b *sessionBuilder) handleEvent(ts time.Time, payload map[string]any) {
	turn := b.ensureTurn(ts)
	turn.observe(ts)

	eventType := getString(payload, "type")
	switch eventType {
	case "agent_message":
		if msg := getString(payload, "message"); msg != "" {
			turn.fallbackEvent = msg
		}
	case "agent_reasoning", "agent_reasoning_raw_content":
		if text := getString(payload, "text"); text != "" {
			turn.fallbackEvent = text
		}
	case "token_count":
		turn.tokenEvents++
		if info := getMap(payload, "info"); info != nil {
			if last := getMap(info, "last_token_usage"); last != nil {
				turn.promptTokens += getInt(last, "input_tokens")
				turn.completionTokens += getInt(last, "output_tokens")
			}
			if window := getInt(info, "model_context_window"); window > 0 {
				b.modelContextWindow = window
			} else if window := getInt(info, "model_context_window_tokens"); window > 0 {
				b.modelContextWindow = window
			}
		}
	case "exec_command_begin", "exec_command_end",
		"mcp_tool_call_begin", "mcp_tool_call_end",
		"web_search_begin", "web_search_end":
		callID := getString(payload, "call_id")
		if callID == "" {
			callID = getString(payload, "callId")
		}
		call := turn.callBuilder(callID)
		if strings.HasSuffix(eventType, "_begin") {
			call.setLocalStatus("running")
		} else {
			call.setLocalStatus("completed")
		}
	}
}

func (b *sessionBuilder) handleCompacted(ts time.Time, payload map[string]any) {
	turn := b.ensureTurn(ts)
	turn.observe(ts)
	if msg := getString(payload, "message"); msg != "" {
		turn.assistantMsgs = append(turn.assistantMsgs, msg)
		turn.fallbackTool = msg
	}
}

func (b *sessionBuilder) finalize() *entities.Session {
	b.flushTurn()

	sess := &entities.Session{
		Metadata:           b.meta,
		StartedAt:          b.firstTS,
		EndedAt:            b.lastTS,
		ModelContextWindow: b.modelContextWindow,
		Turns:              b.turns,
	}
	sess.Digest = computeDigest(sess, b)
	return sess
}

// turnBuilder accumulates one turn.
type turnBuilder struct {
	index     int
	startedAt time.Time
	lastTS    time.Time

	userInputs    []userInput
	assistantMsgs []string
	reasoning     []string

	fallbackReasoning string
	fallbackTool      string
	fallbackEvent     string

	calls []*toolCallBuilder
	byID  map[string]*toolCallBuilder

	promptTokens     int64
	completionTokens int64
	tokenEvents      int
}

type userInput struct {
	text   string
	images int
}

func newTurnBuilder(index int, ts time.Time) *turnBuilder {
	return &turnBuilder{
		index:     index,
		startedAt: ts,
		lastTS:    ts,
		byID:      make(map[string]*toolCallBuilder),
	}
}

func (t *turnBuilder) observe(ts time.Time) {
	if t.startedAt.IsZero() {
		t.startedAt = ts
	}
	if ts.After(t.lastTS) {
		t.lastTS = ts
	}
}

// callBuilder returns the builder for a call id, creating it in transcript
// order. An empty id always creates a fresh anonymous call.
func (t *turnBuilder) callBuilder(callID string) *toolCallBuilder {
	if callID != "" {
		if existing, ok := t.byID[callID]; ok {
			return existing
		}
	}
	call := &toolCallBuilder{callID: callID, kind: "other"}
	t.calls = append(t.calls, call)
	if callID != "" {
		t.byID[callID] = call
	}
	return call
}

func (t *turnBuilder) handleMessage(payload map[string]any) {
	role := getString(payload, "role")
	content, _ := payload["content"].([]any)

	switch role {
	case "user":
		var texts []string
		images := 0
		for _, item := range content {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch getString(entry, "type") {
			case "input_text":
				if text := getString(entry, "text"); text != "" {
					texts = append(texts, text)
				}
			case "input_image":
				images++
			}
		}
		t.userInputs = append(t.userInputs, userInput{text: strings.Join(texts, ""), images: images})
	case "assistant":
		var texts []string
		for _, item := range content {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text := getString(entry, "text"); text != "" {
				texts = append(texts, text)
			} else if text := getString(entry, "content"); text != "" {
				texts = append(texts, text)
			}
		}
		if len(texts) > 0 {
			t.assistantMsgs = append(t.assistantMsgs, strings.Join(texts, ""))
		}
	}
}

func (t *turnBuilder) handleReasoning(payload map[string]any) {
	if summary, ok := payload["summary"].([]any); ok {
		for _, item := range summary {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text := getString(entry, "text"); text != "" {
				t.reasoning = append(t.reasoning, text)
				t.fallbackReasoning = text
			}
		}
	}
}

func (t *turnBuilder) handleFunctionCall(payload map[string]any) {
	name := getString(payload, "name")
	call := t.callBuilder(getString(payload, "call_id"))

	if name == "shell" || name == "container.exec" {
		call.kind = "shell"
	} else {
		call.kind = "function"
	}
	call.name = name
	call.setArguments(getString(payload, "arguments"))
}

func (t *turnBuilder) handleFunctionOutput(payload map[string]any) {
	outputStr := getString(payload, "output")
	content := outputStr
	var success *bool

	if parsed := decodeObject(json.RawMessage(outputStr)); parsed != nil {
		if text := getString(parsed, "content"); text != "" {
			content = text
		}
		if v, ok := parsed["success"].(bool); ok {
			b := v
			success = &b
		}
	}

	call := t.callBuilder(getString(payload, "call_id"))
	call.output = content
	call.success = success
	t.fallbackTool = content
}

func (t *turnBuilder) handleCustomToolCall(payload map[string]any) {
	call := t.callBuilder(getString(payload, "call_id"))
	call.kind = "custom_tool"
	call.name = getString(payload, "name")
	call.status = getString(payload, "status")
	call.setArguments(getString(payload, "input"))
}

func (t *turnBuilder) handleCustomToolOutput(payload map[string]any) {
	output := getString(payload, "output")
	call := t.callBuilder(getString(payload, "call_id"))
	call.output = output
	t.fallbackTool = output
}

func (t *turnBuilder) handleLocalShellCall(payload map[string]any) {
	call := t.callBuilder(getString(payload, "call_id"))
	call.kind = "shell"
	call.name = "shell"
	call.status = getString(payload, "status")

	if action := getMap(payload, "action"); action != nil {
		if raw, err := json.Marshal(action); err == nil {
			call.arguments = raw
		}
	}
}

func (t *turnBuilder) handleWebSearchCall(payload map[string]any) {
	call := t.callBuilder(getString(payload, "call_id"))
	call.kind = "web_search"
	call.name = "web_search"
	call.status = getString(payload, "status")

	if action := getMap(payload, "action"); action != nil {
		if raw, err := json.Marshal(action); err == nil {
			call.arguments = raw
		}
	}
}

func (t *turnBuilder) isEmpty() bool {
	return len(t.userInputs) == 0 &&
		len(t.assistantMsgs) == 0 &&
		len(t.reasoning) == 0 &&
		len(t.calls) == 0 &&
		t.tokenEvents == 0
}

func (t *turnBuilder) finish() entities.Turn {
	var userParts []string
	for _, input := range t.userInputs {
		if input.text != "" {
			userParts = append(userParts, input.text)
		}
	}
	userText := strings.Join(userParts, "\n\n")

	assistantText := strings.Join(t.assistantMsgs, "\n\n")
	if assistantText == "" {
		switch {
		case t.fallbackReasoning != "":
			assistantText = "[reasoning] " + t.fallbackReasoning
		case t.fallbackTool != "":
			assistantText = "[tool] " + t.fallbackTool
		case t.fallbackEvent != "":
			assistantText = "[event] " + t.fallbackEvent
		}
	}

	calls := make([]entities.ToolCall, 0, len(t.calls))
	for _, call := range t.calls {
		calls = append(calls, call.finish())
	}

	kind := entities.TurnKindExchange
	if userText == "" && assistantText == "" && len(calls) > 0 {
		kind = entities.TurnKindTool
	}

	prompt := t.promptTokens
	completion := t.completionTokens
	if prompt == 0 {
		prompt = estimateTokens(userText)
	}
	if completion == 0 {
		completion = estimateTokens(assistantText) + estimateTokens(strings.Join(t.reasoning, " "))
	}

	latency := t.lastTS.Sub(t.startedAt).Milliseconds()
	if latency < 0 {
		latency = 0
	}

	return entities.Turn{
		Index:         t.index,
		Kind:          kind,
		StartedAt:     t.startedAt,
		UserText:      userText,
		AssistantText: assistantText,
		ToolCalls:     calls,
		Telemetry: entities.Telemetry{
			LatencyMS:        latency,
			PromptTokens:     prompt,
			CompletionTokens: completion,
		},
	}
}

// toolCallBuilder accumulates one tool invocation.
type toolCallBuilder struct {
	callID    string
	kind      string
	name      string
	arguments json.RawMessage
	output    string
	status    string
	success   *bool
}

func (c *toolCallBuilder) setArguments(raw string) {
	if raw == "" {
		return
	}
	if json.Valid([]byte(raw)) {
		c.arguments = json.RawMessage(raw)
	}
}

func (c *toolCallBuilder) setLocalStatus(status string) {
	if c.status == "" || status == "completed" {
		c.status = status
	}
}

func (c *toolCallBuilder) finish() entities.ToolCall {
	return entities.ToolCall{
		CallID:    c.callID,
		Name:      c.name,
		Kind:      c.kind,
		Arguments: c.arguments,
		Output:    c.output,
		Status:    c.status,
		Success:   c.success,
	}
}

// estimateTokens approximates a token count by whitespace-separated words.
// Used only when the transcript carried no token_count telemetry.
func estimateTokens(text string) int64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := int64(len(strings.Fields(trimmed)))
	if n < 1 {
		n = 1
	}
	return n
}

// computeDigest derives the conversation-level digest from the finished
// session.
func computeDigest(sess *entities.Session, b *sessionBuilder) entities.Digest {
	var d entities.Digest
	commands := make(map[string]struct{})
	files := make(map[string]struct{})
	var searchParts []string

	if meta := decodeObject(sess.Metadata); meta != nil {
		d.CWD = getString(meta, "cwd")
		if d.CWD == "" {
			if ws := getMap(meta, "workspace"); ws != nil {
				d.CWD = getString(ws, "cwd")
			}
		}
	}

	for i := range sess.Turns {
		turn := &sess.Turns[i]

		if text := strings.TrimSpace(turn.UserText); text != "" {
			if d.Preview == "" {
				d.Preview = snippet(text, 200)
			}
			d.LastUserMessage = text
			if strings.Contains(text, "?") {
				if d.FirstQuestion == "" {
					d.FirstQuestion = text
				}
				d.LastQuestion = text
			}
			searchParts = append(searchParts, text)
		}
		if text := strings.TrimSpace(turn.AssistantText); text != "" {
			searchParts = append(searchParts, text)
		}

		for _, call := range turn.ToolCalls {
			collectCallMetadata(call, commands, files)
		}
	}

	// Turn contexts only exist during the parse, not on the session.
	for _, ctx := range b.contexts {
		if d.Model == "" && ctx.model != "" {
			d.Model = ctx.model
		}
		if d.CWD == "" && ctx.cwd != "" {
			d.CWD = ctx.cwd
		}
	}

	d.Commands = sortedKeys(commands)
	d.FilesTouched = sortedKeys(files)
	searchParts = append(searchParts, d.Commands...)
	searchParts = append(searchParts, d.FilesTouched...)

	lowered := make([]string, len(searchParts))
	for i, part := range searchParts {
		lowered[i] = strings.ToLower(part)
	}
	d.SearchBlob = strings.Join(lowered, "\n")
	return d
}

// snippet truncates text to at most max runes, appending an ellipsis.
func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}

func collectCallMetadata(call entities.ToolCall, commands, files map[string]struct{}) {
	switch call.Kind {
	case "shell":
		args := decodeObject(call.Arguments)
		first := firstCommandWord(args)
		if first != "" {
			commands[first] = struct{}{}
		}
	case "function":
		if call.Name != "exec_command" && call.Name != "apply_patch" {
			return
		}
		args := decodeObject(call.Arguments)
		if args == nil {
			return
		}
		if call.Name == "exec_command" {
			if cmd := getString(args, "cmd"); cmd != "" {
				if fields := strings.Fields(cmd); len(fields) > 0 {
					commands[fields[0]] = struct{}{}
				}
			}
			if first := firstCommandWord(args); first != "" {
				commands[first] = struct{}{}
			}
		} else {
			for _, path := range extractPatchPaths(getString(args, "patch")) {
				files[path] = struct{}{}
			}
		}
	}
}

// firstCommandWord pulls the first element of a "command" array argument.
func firstCommandWord(args map[string]any) string {
	if args == nil {
		return ""
	}
	arr, ok := args["command"].([]any)
	if !ok {
		return ""
	}
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// extractPatchPaths lists the file paths named by an apply_patch payload.
func extractPatchPaths(patch string) []string {
	var paths []string
	for _, line := range strings.Split(patch, "\n") {
		rest, ok := strings.CutPrefix(line, "*** ")
		if !ok {
			continue
		}
		for _, prefix := range []string{"Update File: ", "Add File: ", "Delete File: "} {
			if path, ok := strings.CutPrefix(rest, prefix); ok {
				paths = append(paths, strings.TrimSpace(path))
				break
			}
		}
	}
	return paths
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// decodeObject unmarshals a JSON object, returning nil for anything else.
func decodeObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// getString safely extracts a string from a decoded JSON object.
func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// getMap safely extracts a nested object from a decoded JSON object.
func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// getInt safely extracts an integer from a decoded JSON object.
func getInt(m map[string]any, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}
