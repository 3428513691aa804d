package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepairText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "well formed input unchanged",
			input: `<root><name>plan</name></root>`,
			want:  `<root><name>plan</name></root>`,
		},
		{
			name:  "unterminated tags closed in LIFO order",
			input: `<root><agents><agent name="A">`,
			want:  `<root><agents><agent name="A"></agent></agents></root>`,
		},
		{
			name:  "truncated open tag completed",
			input: `<root><name`,
			want:  `<root><name></name></root>`,
		},
		{
			name:  "dangling attribute assignment completed",
			input: `<agent name=`,
			want:  `<agent name=""></agent>`,
		},
		{
			name:  "unterminated quote closed",
			input: `<agent name="Brow`,
			want:  `<agent name="Brow"></agent>`,
		},
		{
			name:  "bare attribute value quoted",
			input: `<agent id=3></agent>`,
			want:  `<agent id="3"></agent>`,
		},
		{
			name:  "valueless attribute completed",
			input: `<watch loop></watch>`,
			want:  `<watch loop=""></watch>`,
		},
		{
			name:  "unpaired ampersand escaped",
			input: `<task>title & price</task>`,
			want:  `<task>title &amp; price</task>`,
		},
		{
			name:  "existing entity preserved",
			input: `<task>title &amp; price &#38; more</task>`,
			want:  `<task>title &amp; price &#38; more</task>`,
		},
		{
			name:  "stray less-than escaped",
			input: `<task>a < b</task>`,
			want:  `<task>a &lt; b</task>`,
		},
		{
			name:  "stray closing tag dropped",
			input: `<root><name>x</name></agents></root>`,
			want:  `<root><name>x</name></root>`,
		},
		{
			name:  "missing inner closer inserted before outer",
			input: `<root><agents><agent></agents></root>`,
			want:  `<root><agents><agent></agent></agents></root>`,
		},
		{
			name:  "self closing tag not pushed",
			input: `<nodes><node/></nodes>`,
			want:  `<nodes><node/></nodes>`,
		},
		{
			name:  "dangling angle bracket at end dropped",
			input: `<root>text<`,
			want:  `<root>text</root>`,
		},
		{
			name:  "truncated comment dropped",
			input: `<root><!-- half a comm`,
			want:  `<root></root>`,
		},
		{
			name:  "empty input",
			input: ``,
			want:  ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RepairText(tt.input))
		})
	}
}
