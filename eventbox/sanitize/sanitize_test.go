//go:build unit

package sanitize

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeErrorNil(t *testing.T) {
	t.Parallel()

	require.Empty(t, Error(nil))
}

func TestSanitizeRedactsConnectionStringPassword(t *testing.T) {
	t.Parallel()

	msg := Message("dial failed: postgres://app:hunter2@db:5432/events")
	require.NotContains(t, msg, "hunter2")
	require.Contains(t, msg, "[REDACTED]")
}

func TestSanitizeRedactsBearerToken(t *testing.T) {
	t.Parallel()

	msg := Message("request rejected: Bearer abc.def-ghi")
	require.NotContains(t, msg, "abc.def-ghi")
	require.Contains(t, msg, "Bearer [REDACTED]")
}

func TestSanitizeRedactsKeyValueSecrets(t *testing.T) {
	t.Parallel()

	msg := Message("auth failed: password=topsecret api_key: abc123")
	require.NotContains(t, msg, "topsecret")
	require.NotContains(t, msg, "abc123")
}

func TestSanitizeRedactsLuhnCardNumbers(t *testing.T) {
	t.Parallel()

	// 4539578763621486 passes Luhn; 4539578763621487 does not.
	msg := Message("charge declined for 4539578763621486")
	require.NotContains(t, msg, "4539578763621486")

	msg = Message("trace id 4539578763621487")
	require.Contains(t, msg, "4539578763621487")
}

func TestSanitizeTruncatesLongMessages(t *testing.T) {
	t.Parallel()

	msg := Message(strings.Repeat("x", 2000))
	require.LessOrEqual(t, len([]rune(msg)), 512)
	require.True(t, strings.HasSuffix(msg, "... (truncated)"))
}

func TestSanitizePlainErrorUntouched(t *testing.T) {
	t.Parallel()

	err := errors.New("connection refused")
	require.Equal(t, "connection refused", Error(err))
}
