package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	t.Run("short text untouched", func(t *testing.T) {
		got := splitText("привет", 10)
		if len(got) != 1 || got[0] != "привет" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("counts runes not bytes", func(t *testing.T) {
		s := strings.Repeat("я", 25)
		got := splitText(s, 10)
		if len(got) != 3 {
			t.Fatalf("chunks = %d, want 3", len(got))
		}
		for _, c := range got {
			if n := utf8.RuneCountInString(c); n > 10 {
				t.Fatalf("chunk too long: %d runes", n)
			}
		}
	})

	t.Run("prefers newline", func(t *testing.T) {
		s := "aaaaaaa\nbbbbbbbbbb"
		got := splitText(s, 10)
		if got[0] != "aaaaaaa" {
			t.Fatalf("first chunk = %q", got[0])
		}
		if strings.Join(got, "") != "aaaaaaabbbbbbbbbb" {
			t.Fatalf("lost content: %q", got)
		}
	})
}
