package parser

import (
	"context"
	"strings"
	"testing"
)

const sampleRollout = `{"timestamp":"2025-03-01T10:00:00.000Z","type":"session_meta","payload":{"id":"sess-1","cwd":"/home/dev/project","originator":"codex_cli"}}
{"timestamp":"2025-03-01T10:00:01.000Z","type":"turn_context","payload":{"cwd":"/home/dev/project","model":"gpt-5","summary":"auto"}}
{"timestamp":"2025-03-01T10:00:02.000Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"How do I list files recursively?"}]}}
{"timestamp":"2025-03-01T10:00:03.000Z","type":"response_item","payload":{"type":"reasoning","summary":[{"type":"summary_text","text":"User wants a shell command."}]}}
{"timestamp":"2025-03-01T10:00:04.000Z","type":"response_item","payload":{"type":"function_call","call_id":"call-1","name":"shell","arguments":"{\"command\":[\"find\",\".\",\"-type\",\"f\"]}"}}
{"timestamp":"2025-03-01T10:00:05.000Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call-1","output":"{\"content\":\"./a.txt\\n./b.txt\",\"success\":true}"}}
{"timestamp":"2025-03-01T10:00:06.000Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Use find . -type f to list files recursively."}]}}
{"timestamp":"2025-03-01T10:00:07.000Z","type":"event_msg","payload":{"type":"token_count","info":{"last_token_usage":{"input_tokens":120,"output_tokens":40},"model_context_window":272000}}}
{"timestamp":"2025-03-01T10:00:10.000Z","type":"turn_context","payload":{"cwd":"/home/dev/project","model":"gpt-5","summary":"auto"}}
{"timestamp":"2025-03-01T10:00:11.000Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"Now patch main.go to fix the bug"}]}}
{"timestamp":"2025-03-01T10:00:12.000Z","type":"response_item","payload":{"type":"function_call","call_id":"call-2","name":"apply_patch","arguments":"{\"patch\":\"*** Begin Patch\\n*** Update File: main.go\\n*** End Patch\"}"}}
{"timestamp":"2025-03-01T10:00:13.000Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call-2","output":"{\"content\":\"Done\",\"success\":true}"}}
{"timestamp":"2025-03-01T10:00:14.000Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Patched main.go."}]}}
{"timestamp":"2025-03-01T10:00:15.000Z","record_type":"state","payload":{"internal":"ignored"}}
`

func TestCodexParserParsesRollout(t *testing.T) {
	p := NewCodexParser()
	sess, err := p.Parse(context.Background(), strings.NewReader(sampleRollout))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(sess.Turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(sess.Turns))
	}
	if sess.ModelContextWindow != 272000 {
		t.Errorf("Expected model context window 272000, got %d", sess.ModelContextWindow)
	}

	first := sess.Turns[0]
	if first.Index != 0 {
		t.Errorf("Expected first turn index 0, got %d", first.Index)
	}
	if first.UserText != "How do I list files recursively?" {
		t.Errorf("Unexpected user text: %q", first.UserText)
	}
	if !strings.Contains(first.AssistantText, "find . -type f") {
		t.Errorf("Unexpected assistant text: %q", first.AssistantText)
	}
	if len(first.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(first.ToolCalls))
	}
	call := first.ToolCalls[0]
	if call.Kind != "shell" || call.CallID != "call-1" {
		t.Errorf("Unexpected tool call: kind=%q id=%q", call.Kind, call.CallID)
	}
	if call.Success == nil || !*call.Success {
		t.Errorf("Expected successful tool call")
	}
	if call.Output != "./a.txt\n./b.txt" {
		t.Errorf("Unexpected tool output: %q", call.Output)
	}
	if first.Telemetry.PromptTokens != 120 || first.Telemetry.CompletionTokens != 40 {
		t.Errorf("Unexpected telemetry: %+v", first.Telemetry)
	}
	if first.Telemetry.LatencyMS != 6000 {
		t.Errorf("Expected 6000ms latency, got %d", first.Telemetry.LatencyMS)
	}

	second := sess.Turns[1]
	if second.Index != 1 {
		t.Errorf("Expected second turn index 1, got %d", second.Index)
	}
	// No token_count event in the second turn, so counts are estimated.
	if second.Telemetry.PromptTokens == 0 {
		t.Errorf("Expected estimated prompt tokens for second turn")
	}
}

func TestCodexParserDigest(t *testing.T) {
	p := NewCodexParser()
	sess, err := p.Parse(context.Background(), strings.NewReader(sampleRollout))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	d := sess.Digest
	if d.Model != "gpt-5" {
		t.Errorf("Expected model gpt-5, got %q", d.Model)
	}
	if d.CWD != "/home/dev/project" {
		t.Errorf("Expected cwd /home/dev/project, got %q", d.CWD)
	}
	if d.Preview != "How do I list files recursively?" {
		t.Errorf("Unexpected preview: %q", d.Preview)
	}
	if d.FirstQuestion != "How do I list files recursively?" {
		t.Errorf("Unexpected first question: %q", d.FirstQuestion)
	}
	if d.LastUserMessage != "Now patch main.go to fix the bug" {
		t.Errorf("Unexpected last user message: %q", d.LastUserMessage)
	}
	if len(d.Commands) != 1 || d.Commands[0] != "find" {
		t.Errorf("Unexpected commands: %v", d.Commands)
	}
	if len(d.FilesTouched) != 1 || d.FilesTouched[0] != "main.go" {
		t.Errorf("Unexpected files: %v", d.FilesTouched)
	}
	if !strings.Contains(d.SearchBlob, "how do i list files recursively?") {
		t.Errorf("Search blob missing user text")
	}
}

func TestCodexParserLegacyMeta(t *testing.T) {
	legacy := `{"id":"legacy-1","timestamp":"2025-01-01T00:00:00Z","cwd":"/tmp/work"}
{"timestamp":"2025-01-01T00:00:01Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"hello"}]}}
{"timestamp":"2025-01-01T00:00:02Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi"}]}}
`
	p := NewCodexParser()
	sess, err := p.Parse(context.Background(), strings.NewReader(legacy))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(sess.Metadata) == 0 {
		t.Fatalf("Expected legacy metadata to be captured")
	}
	if sess.Digest.CWD != "/tmp/work" {
		t.Errorf("Expected cwd from legacy meta, got %q", sess.Digest.CWD)
	}
	if len(sess.Turns) != 1 {
		t.Fatalf("Expected 1 turn, got %d", len(sess.Turns))
	}
}

func TestCodexParserFallbackText(t *testing.T) {
	transcript := `{"timestamp":"2025-01-01T00:00:00Z","type":"turn_context","payload":{"cwd":"/tmp","model":"gpt-5"}}
{"timestamp":"2025-01-01T00:00:01Z","type":"response_item","payload":{"type":"reasoning","summary":[{"type":"summary_text","text":"thinking about it"}]}}
{"timestamp":"2025-01-01T00:00:02Z","type":"event_msg","payload":{"type":"token_count","info":{"last_token_usage":{"input_tokens":1,"output_tokens":1}}}}
`
	p := NewCodexParser()
	sess, err := p.Parse(context.Background(), strings.NewReader(transcript))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(sess.Turns) != 1 {
		t.Fatalf("Expected 1 turn, got %d", len(sess.Turns))
	}
	if sess.Turns[0].AssistantText != "[reasoning] thinking about it" {
		t.Errorf("Unexpected fallback text: %q", sess.Turns[0].AssistantText)
	}
}

func TestCodexParserMatches(t *testing.T) {
	p := NewCodexParser()
	cases := []struct {
		name string
		want bool
	}{
		{"rollout-2025-03-01T10-00-00-abc.jsonl", true},
		{"rollout-.jsonl", true},
		{"session.jsonl", false},
		{"rollout-abc.json", false},
	}
	for _, tc := range cases {
		if got := p.Matches(tc.name); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRegistryForFile(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ForFile("/sessions/rollout-2025-03-01-x.jsonl"); err != nil {
		t.Errorf("Expected codex parser for rollout file: %v", err)
	}
	if _, err := r.ForFile("/sessions/notes.txt"); err == nil {
		t.Errorf("Expected error for unknown file")
	}
	if _, err := r.ForFormat("codex"); err != nil {
		t.Errorf("Expected codex format to be registered: %v", err)
	}
}
