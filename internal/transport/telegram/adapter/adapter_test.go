package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"reviewwatch/internal/transport"
)

func TestSplitTextShortIsUntouched(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitTextAvoidsCuttingTags(t *testing.T) {
	s := "abcdef<b>xyz</b>"
	got := splitText(s, 8, "HTML")
	require.NotEmpty(t, got)
	assert.Equal(t, "abcdef", got[0])
	assert.Equal(t, s, strings.Join(got, ""))
	for _, c := range got {
		assert.LessOrEqual(t, len([]rune(c)), 8)
	}
}

func TestMarkupConvertsButtons(t *testing.T) {
	assert.Nil(t, markup(nil))

	rm := markup([][]transport.Button{{
		{Text: "Open page", URL: "https://page/1"},
		{Text: "Dismiss", Data: "notice:dismiss:1"},
	}})
	require.NotNil(t, rm)
	require.Len(t, rm.InlineKeyboard, 1)
	row := rm.InlineKeyboard[0]
	assert.Equal(t, "https://page/1", row[0].URL)
	assert.Equal(t, "notice:dismiss:1", row[1].Data)
}

func TestSendOptionsMarkupOnlyWhenAsked(t *testing.T) {
	opt := &transport.SendOptions{ParseMode: "HTML", Buttons: [][]transport.Button{{{Text: "x", Data: "y"}}}}
	assert.Nil(t, sendOptions(opt, 3, false).ReplyMarkup)
	so := sendOptions(opt, 3, true)
	assert.NotNil(t, so.ReplyMarkup)
	assert.Equal(t, 3, so.ThreadID)
	assert.Equal(t, tele.ParseMode("HTML"), so.ParseMode)
}
