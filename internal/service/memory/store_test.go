package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestQueryRanksByOverlapThenRecency(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Add("User: I love green tea\nAI: noted"))
	require.NoError(t, s.Add("User: the weather is cold"))
	require.NoError(t, s.Add("User: tea in the morning"))
	require.NoError(t, s.Add("  "))

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	got, err := s.Query("green tea please", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "green tea")
	assert.Contains(t, got[1], "morning")

	got, err = s.Query("tea", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"User: tea in the morning"}, got)

	got, err = s.Query("bicycle", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryMatchesCJKBigrams(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Add("用户: 我喜欢喝绿茶"))
	require.NoError(t, s.Add("用户: 今天下雨了"))

	got, err := s.Query("绿茶好喝吗", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"用户: 我喜欢喝绿茶"}, got)
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("Hi, 你好吗 OK")
	for _, want := range []string{"hi", "你好", "好吗", "ok"} {
		assert.Contains(t, tokens, want)
	}
	assert.NotContains(t, tokens, "你好吗")
}
