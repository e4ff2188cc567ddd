package jsonx

import (
	"encoding/json"
	"testing"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string // expected "k" field value, "" = extraction should fail
	}{
		{
			name: "direct",
			in:   `{"k":"v"}`,
			want: "v",
		},
		{
			name: "leading and trailing prose",
			in:   "Here is the plan:\n{\"k\":\"v\"}\nLet me know.",
			want: "v",
		},
		{
			name: "fenced json block",
			in:   "```json\n{\"k\":\"v\"}\n```",
			want: "v",
		},
		{
			name: "fenced block without language",
			in:   "```\n{\"k\":\"v\"}\n```",
			want: "v",
		},
		{
			name: "nested braces",
			in:   `result: {"k":"v","inner":{"a":1}} done`,
			want: "v",
		},
		{
			name: "braces inside strings",
			in:   `{"k":"has } brace","x":"{"}`,
			want: "has } brace",
		},
		{
			name: "escaped quotes",
			in:   `{"k":"say \"hi\" {ok}"}`,
			want: `say "hi" {ok}`,
		},
		{
			name: "no json",
			in:   "sorry, I cannot produce a plan",
			want: "",
		},
		{
			name: "unbalanced",
			in:   `{"k":"v"`,
			want: "",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := ExtractObject(tt.in)
			if tt.want == "" {
				if ok {
					t.Fatalf("ExtractObject(%q) = %s, want failure", tt.in, raw)
				}
				return
			}
			if !ok {
				t.Fatalf("ExtractObject(%q) failed", tt.in)
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("extracted invalid JSON: %v", err)
			}
			if m["k"] != tt.want {
				t.Errorf("k = %v, want %q", m["k"], tt.want)
			}
		})
	}
}

func TestExtractArray(t *testing.T) {
	tests := []struct {
		name string
		in   string
		len  int
		ok   bool
	}{
		{name: "bare array", in: `["a","b"]`, len: 2, ok: true},
		{name: "array in prose", in: "steps: [\"a\", \"b\", \"c\"] thanks", len: 3, ok: true},
		{name: "fenced array", in: "```json\n[1,2]\n```", len: 2, ok: true},
		{name: "none", in: "no list here", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := ExtractArray(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			var arr []any
			if err := json.Unmarshal(raw, &arr); err != nil {
				t.Fatalf("extracted invalid JSON: %v", err)
			}
			if len(arr) != tt.len {
				t.Errorf("len = %d, want %d", len(arr), tt.len)
			}
		})
	}
}

func TestUnmarshal(t *testing.T) {
	var out struct {
		Verdict string `json:"verdict"`
	}
	if !Unmarshal("verdict follows\n```json\n{\"verdict\":\"PASS\"}\n```", &out) {
		t.Fatal("Unmarshal failed")
	}
	if out.Verdict != "PASS" {
		t.Errorf("verdict = %q, want PASS", out.Verdict)
	}
	if Unmarshal("nothing", &out) {
		t.Error("Unmarshal on prose should fail")
	}
}
