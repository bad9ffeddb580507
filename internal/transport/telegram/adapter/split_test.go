package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitShortTextUntouched(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitTelegramText("hello", 10, ""))
}

func TestSplitPrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitTelegramText(text, 10, ""))
}

func TestSplitHardCut(t *testing.T) {
	got := splitTelegramText(strings.Repeat("x", 25), 10, "")
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, got)
}

func TestSplitAvoidsDanglingHTMLTag(t *testing.T) {
	got := splitTelegramText("abcdef<b>bold</b>", 8, "HTML")
	assert.Equal(t, "abcdef", got[0])
	assert.Equal(t, "<b>bold</b>", strings.Join(got[1:], ""))
}
