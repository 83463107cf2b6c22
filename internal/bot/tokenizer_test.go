package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", []string{}},
		{"whitespace only", "   \t  ", []string{}},
		{"bare words", "!lookup svc-123", []string{"!lookup", "svc-123"}},
		{"collapses runs of whitespace", "  sync \t now ", []string{"sync", "now"}},
		{"double quoted span", `say "hello there" loud`, []string{"say", "hello there", "loud"}},
		{"single quoted span", "say 'hello there'", []string{"say", "hello there"}},
		{"code fence span", "run ```select 1``` now", []string{"run", "select 1", "now"}},
		{"code fence keeps inner quotes", "run ```a \"b\" c```", []string{"run", `a "b" c`}},
		{"unterminated double quote runs to end", `say "hello there`, []string{"say", "hello there"}},
		{"unterminated fence runs to end", "run ```select 1", []string{"run", "select 1"}},
		{"quote adjacent to word starts new token", `id"quoted"`, []string{"id", "quoted"}},
		{"empty quoted span", `a "" b`, []string{"a", "", "b"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Tokenize(tc.raw))
		})
	}
}
