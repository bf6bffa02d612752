package validate

import (
	"strings"
	"testing"
)

func TestToolName(t *testing.T) {
	valid := []string{
		"web-search",
		"sql-query",
		"ollama",
		"my-tool",
		"a",
		"a1",
		"x",
		"tool-1",
		"my-long-tool-name",
	}
	for _, name := range valid {
		if err := ToolName(name); err != nil {
			t.Errorf("ToolName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []struct {
		name string
		desc string
	}{
		{"", "empty"},
		{"SSH", "uppercase"},
		{"My-Tool", "mixed case"},
		{"my tool", "space"},
		{"foo/bar", "slash"},
		{"foo\\bar", "backslash"},
		{"foo\nbar", "newline"},
		{"foo\tbar", "tab"},
		{"-start", "starts with hyphen"},
		{"end-", "ends with hyphen"},
		{"-", "single hyphen"},
		{"foo/../../etc/passwd", "path traversal"},
		{strings.Repeat("a", 64), "too long (64 chars)"},
		{"foo bar", "space in middle"},
		{"hello world!", "exclamation"},
		{"tool.name", "dot"},
	}
	for _, tc := range invalid {
		if err := ToolName(tc.name); err == nil {
			t.Errorf("ToolName(%q) [%s] = nil, want error", tc.name, tc.desc)
		}
	}
}

func TestToolName_MaxLength(t *testing.T) {
	name63 := strings.Repeat("a", 63)
	if err := ToolName(name63); err != nil {
		t.Errorf("ToolName(63 chars) = %v, want nil", err)
	}

	name64 := strings.Repeat("a", 64)
	if err := ToolName(name64); err == nil {
		t.Error("ToolName(64 chars) = nil, want error")
	}
}
