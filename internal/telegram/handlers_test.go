package telegram

import (
	"strings"
	"testing"
)

func TestSplitFirstWord(t *testing.T) {
	cases := []struct {
		in, first, rest string
	}{
		{"", "", ""},
		{"  two-sum  ", "two-sum", ""},
		{"OPENAI gpt-4o", "OPENAI", "gpt-4o"},
		{"go\nfunc main() {}", "go", "func main() {}"},
		{"a\t b c", "a", "b c"},
	}
	for _, tc := range cases {
		first, rest := splitFirstWord(tc.in)
		if first != tc.first || rest != tc.rest {
			t.Fatalf("splitFirstWord(%q) = %q, %q", tc.in, first, rest)
		}
	}
}

func TestCommandRemainder(t *testing.T) {
	if got := commandRemainder("/problem two-sum"); got != "two-sum" {
		t.Fatalf("unexpected remainder %q", got)
	}
	if got := commandRemainder("/status"); got != "" {
		t.Fatalf("expected empty remainder, got %q", got)
	}
}

func TestParseCodeCommand(t *testing.T) {
	cases := []struct {
		name string
		in   string
		lang string
		code string
		ok   bool
	}{
		{name: "plain", in: "/code go\nfunc main() {}", lang: "go", code: "func main() {}", ok: true},
		{name: "fenced", in: "/code python\n```python\nprint(1)\n```", lang: "python", code: "print(1)", ok: true},
		{name: "language from fence", in: "/code\n```rust\nfn main() {}\n```", lang: "rust", code: "fn main() {}", ok: true},
		{name: "no body", in: "/code go", ok: false},
		{name: "no language", in: "/code\nprint(1)", ok: false},
		{name: "empty fence", in: "/code go\n```go\n```", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lang, code, ok := parseCodeCommand(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v (lang=%q code=%q)", ok, tc.ok, lang, code)
			}
			if ok && (lang != tc.lang || code != tc.code) {
				t.Fatalf("got %q %q, want %q %q", lang, code, tc.lang, tc.code)
			}
		})
	}
}

func TestParseToggle(t *testing.T) {
	for in, want := range map[string]bool{"on": true, " YES ": true, "1": true, "off": false, "false": false} {
		got, ok := parseToggle(in)
		if !ok || got != want {
			t.Fatalf("parseToggle(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := parseToggle("maybe"); ok {
		t.Fatalf("expected unknown toggle to be rejected")
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := splitMessage("", 10); len(parts) != 1 || parts[0] != "" {
		t.Fatalf("unexpected split of empty text %q", parts)
	}
	if parts := splitMessage("short", 10); len(parts) != 1 || parts[0] != "short" {
		t.Fatalf("unexpected split %q", parts)
	}

	text := "line one\nline two\nline three"
	parts := splitMessage(text, 12)
	if strings.Join(parts, "") != text {
		t.Fatalf("split lost text: %q", parts)
	}
	if parts[0] != "line one\n" {
		t.Fatalf("expected a cut at the line break, got %q", parts[0])
	}
	for _, p := range parts {
		if len([]rune(p)) > 12 {
			t.Fatalf("chunk %q exceeds limit", p)
		}
	}

	runes := strings.Repeat("é", 25)
	parts = splitMessage(runes, 10)
	if len(parts) != 3 || len([]rune(parts[2])) != 5 {
		t.Fatalf("unexpected rune split %q", parts)
	}
}
