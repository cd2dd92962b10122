package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

func TestTelegram_IsAllowed(t *testing.T) {
	open := NewTelegram(TelegramConfig{Logger: testLogger()})
	require.True(t, open.isAllowed(42))

	tg := NewTelegram(TelegramConfig{AllowFrom: []string{"42", " 7 ", "bogus"}, Logger: testLogger()})
	require.Equal(t, []int64{42, 7}, tg.allowFrom)
	require.True(t, tg.isAllowed(7))
	require.False(t, tg.isAllowed(8))
}

func TestSplitMessage(t *testing.T) {
	require.Nil(t, splitMessage("", 10))
	require.Equal(t, []string{"short"}, splitMessage("short", 10))

	// Prefers a newline in the back half of the window.
	require.Equal(t, []string{"aaaaaaa", "\nbbbb"}, splitMessage("aaaaaaa\nbbbb", 10))

	// A newline too early is ignored.
	require.Equal(t, []string{"a\nbbbbbbbb", "bb"}, splitMessage("a\nbbbbbbbbbb", 10))

	long := strings.Repeat("x", 25)
	chunks := splitMessage(long, 10)
	require.Len(t, chunks, 3)
	require.Equal(t, long, strings.Join(chunks, ""))
}

func TestCallbackCommand(t *testing.T) {
	cmd, ok := callbackCommand("agent:agent-eda")
	require.True(t, ok)
	require.Equal(t, "/agent agent-eda", cmd)

	cmd, ok = callbackCommand("team")
	require.True(t, ok)
	require.Equal(t, "/team", cmd)

	for _, bad := range []string{"", "agent:", "confirm_yes"} {
		_, ok := callbackCommand(bad)
		require.False(t, ok, bad)
	}
}

func TestPersonaKeyboard(t *testing.T) {
	kb := personaKeyboard(persona.Builtin())
	require.Len(t, kb.InlineKeyboard, 6)
	first := kb.InlineKeyboard[0][0]
	require.Contains(t, first.Text, "Dr. Atlas")
	require.NotNil(t, first.CallbackData)
	require.Equal(t, "agent:agent-lead", *first.CallbackData)
	require.Equal(t, "team", *kb.InlineKeyboard[5][0].CallbackData)
}

func TestFormatEntry(t *testing.T) {
	r := persona.NewRegistry()
	got := formatEntry(transcript.Message{SpeakerID: "agent-model", Content: "Use LightGBM."}, r)
	require.Equal(t, "*Architect*\n\nUse LightGBM.", got)
}
