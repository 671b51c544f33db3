package budget

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lols/gateway/internal/chatmsg"
)

func msg(role, text string) chatmsg.Message {
	return chatmsg.Message{Role: role, Content: chatmsg.NewTextContent(text)}
}

func TestTruncateNoOpWithoutContext(t *testing.T) {
	in := []chatmsg.Message{msg("user", "hi")}
	out := Truncate(in, 0)
	require.Equal(t, in, out)
}

func TestTruncateKeepsEverythingWhenItFits(t *testing.T) {
	in := []chatmsg.Message{
		msg("system", "be nice"),
		msg("user", "hello"),
		msg("assistant", "hi there"),
	}
	out := Truncate(in, 10000)
	require.Equal(t, in, out)
}

func TestTruncateDropsOldestFirst(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	in := []chatmsg.Message{
		msg("user", "old message one "+string(long)),
		msg("assistant", "old reply "+string(long)),
		msg("user", "newest question"),
	}
	out := Truncate(in, 600)

	require.Equal(t, "newest question", chatmsg.Text(out[len(out)-1]))
	var sawNotice bool
	for _, m := range out {
		if m.Role == "system" {
			sawNotice = true
		}
	}
	require.True(t, sawNotice, "expected a truncation notice system message")
}

func TestTruncateReturnsOnlySystemWhenBudgetExhausted(t *testing.T) {
	in := []chatmsg.Message{
		msg("system", "short"),
		msg("user", "hello"),
	}
	out := Truncate(in, 1)
	require.Len(t, out, 1)
	require.Equal(t, "system", out[0].Role)
}

func TestResolveMaxTokens(t *testing.T) {
	require.Equal(t, 2000, ResolveMaxTokens(0, 2000))
	require.Equal(t, 3000, ResolveMaxTokens(3000, 2000))
	require.Equal(t, 2000, ResolveMaxTokens(500, 2000))
}
