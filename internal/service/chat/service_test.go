package chat

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/chat"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore err: %v", err)
	}
	return s, dir
}

func TestStoreCreateSaveLoad(t *testing.T) {
	s, dir := newTestStore(t)

	id, err := s.Create()
	require.NoError(t, err)
	require.True(t, ValidID(id))
	require.Equal(t, id, s.CurrentID())

	turns := []chat.Turn{chat.UserTurn("hi there, how have you been lately?"), chat.AssistantTurn("hello")}
	require.NoError(t, s.Save(turns))

	reopened, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	got := reopened.Load(id)
	assert.Equal(t, turns, got)
	assert.Equal(t, id, reopened.CurrentID())

	entries := reopened.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "hi there, how have y", entries[0].Title)
}

func TestStoreTTSPathSurvivesReload(t *testing.T) {
	s, dir := newTestStore(t)
	id, err := s.Create()
	require.NoError(t, err)

	history := []chat.Turn{chat.UserTurn("hi"), chat.AssistantTurn("hello")}
	require.NoError(t, s.Save(history))

	history[1].TTSPath = "a.wav"
	require.NoError(t, s.Save(history))

	reopened, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	got := reopened.Load(id)
	require.Len(t, got, 2)
	assert.Equal(t, "a.wav", got[1].TTSPath)
}

func TestStoreSetTTSPathOnBackgroundSession(t *testing.T) {
	s, _ := newTestStore(t)
	first, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.Save([]chat.Turn{chat.UserTurn("hi"), chat.AssistantTurn("hello")}))
	second, err := s.Create()
	require.NoError(t, err)

	require.NoError(t, s.SetTTSPath(first, 1, "late.wav"))
	assert.Equal(t, second, s.CurrentID())

	assert.ErrorIs(t, s.SetTTSPath(first, 0, "x.wav"), ErrNoSuchTurn)
	assert.ErrorIs(t, s.SetTTSPath(first, 5, "x.wav"), ErrNoSuchTurn)
	assert.ErrorIs(t, s.SetTTSPath("nope", 1, "x.wav"), ErrInvalidID)

	got := s.Load(first)
	require.Len(t, got, 2)
	assert.Equal(t, "late.wav", got[1].TTSPath)
}

func TestStoreInvalidIDsAreNoOps(t *testing.T) {
	s, dir := newTestStore(t)
	_, err := s.Create()
	require.NoError(t, err)
	current := s.CurrentID()

	for _, id := range []string{"", "../../etc/passwd", "ABCDEF0123456789ABCDEF0123456789", "1234", strings.Repeat("g", 32)} {
		assert.Nil(t, s.Load(id), "load %q", id)
		assert.False(t, s.Rename(id, "x"), "rename %q", id)
		assert.False(t, s.Delete(id), "delete %q", id)
	}

	assert.Equal(t, current, s.CurrentID())
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestStoreLoadMissingKeepsCurrent(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.Create()
	require.NoError(t, err)

	assert.Empty(t, s.Load(strings.Repeat("a", 32)))
	assert.Equal(t, id, s.CurrentID())
}

func TestStoreSaveWithoutCurrent(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Save([]chat.Turn{chat.UserTurn("hi")})
	assert.True(t, errors.Is(err, ErrNoCurrentSession))
}

func TestStoreDeleteRemovesAudioAndMovesCurrent(t *testing.T) {
	s, dir := newTestStore(t)

	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	older, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.Save([]chat.Turn{chat.UserTurn("old")}))

	newer, err := s.Create()
	require.NoError(t, err)
	audio := filepath.Join(dir, "reply.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))
	require.NoError(t, s.Save([]chat.Turn{chat.UserTurn("hi"), {Role: chat.RoleAssistant, Content: "yo", TTSPath: audio}}))

	require.True(t, s.Delete(newer))
	_, err = os.Stat(audio)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(dir, newer+".json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.Equal(t, older, s.CurrentID())
	entries := s.List()
	require.Len(t, entries, 1)
	assert.Equal(t, older, entries[0].ID)
}

func TestStoreListNewestFirstAndRename(t *testing.T) {
	s, _ := newTestStore(t)
	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	first, err := s.Create()
	require.NoError(t, err)
	second, err := s.Create()
	require.NoError(t, err)

	s.Load(first)
	require.NoError(t, s.Save([]chat.Turn{chat.UserTurn("bump")}))

	entries := s.List()
	require.Len(t, entries, 2)
	assert.Equal(t, []string{first, second}, []string{entries[0].ID, entries[1].ID})

	long := strings.Repeat("名", 150)
	require.True(t, s.Rename(second, long))
	assert.False(t, s.Rename(second, "   "))
	for _, entry := range s.List() {
		if entry.ID == second {
			assert.Equal(t, 100, len([]rune(entry.Title)))
		}
	}
}

func TestStoreCrashMidWriteNeverLeavesPartialFile(t *testing.T) {
	s, dir := newTestStore(t)
	id, err := s.Create()
	require.NoError(t, err)

	var calls atomic.Int32
	s.write = func(w io.Writer, data []byte) error {
		if calls.Add(1)%2 == 0 {
			_, _ = w.Write(data[:len(data)/2])
			return errors.New("simulated crash")
		}
		_, err := w.Write(data)
		return err
	}

	const writers = 16
	valid := map[string]bool{"": true}
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		content := strings.Repeat(string(rune('a'+i)), 200+i)
		valid[content] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Save([]chat.Turn{chat.UserTurn(content)})
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	require.NoError(t, err)
	var session chat.Session
	require.NoError(t, json.Unmarshal(data, &session), "session file must never be partial")

	content := ""
	if len(session.Messages) > 0 {
		content = session.Messages[0].Content
	}
	assert.True(t, valid[content], "unexpected content on disk")

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
