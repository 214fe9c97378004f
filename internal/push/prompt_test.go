package push

import (
	"bytes"
	"strings"
	"testing"
)

func TestTerminalPrompter(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
	}{
		{name: "yes", input: "y\n", want: true},
		{name: "full no", input: "No\n", defaultYes: true, want: false},
		{name: "empty takes default yes", input: "\n", defaultYes: true, want: true},
		{name: "empty takes default no", input: "\n", want: false},
		{name: "eof takes default", input: "", defaultYes: true, want: true},
		{name: "reprompts on garbage", input: "maybe\nyes\n", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewTerminalPrompter(strings.NewReader(tt.input), &out)
			got, err := p.Confirm("Continue?", tt.defaultYes)
			if err != nil {
				t.Fatalf("confirm: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			if !strings.Contains(out.String(), "Continue?") {
				t.Fatalf("question not printed: %q", out.String())
			}
		})
	}
}

func TestAutoPrompter(t *testing.T) {
	ok, err := AutoPrompter{Answer: true}.Confirm("anything", false)
	if err != nil || !ok {
		t.Fatalf("got %v, %v", ok, err)
	}
}
