package speech

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

func TestHTTPSynthesizerPostsCleanText(t *testing.T) {
	refs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(refs, "happy"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(refs, "happy", "meta.yaml"),
		[]byte("- path: /refs/happy.wav\n  text: 今天真开心\n"), 0o644))

	requests := make(chan httpTTSRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tts", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req httpTTSRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests <- req
		w.Write([]byte("RIFFfake"))
	}))
	defer srv.Close()

	s := NewHTTPSynthesizer(config.TTSConfig{APIURL: srv.URL + "/", Language: "zh", EmotionRefsDir: refs}, zap.NewNop())
	audio, err := s.Synthesize(context.Background(), Request{Text: "Hello 😀 there", Emotion: "happy"})
	require.NoError(t, err)

	assert.Equal(t, "RIFFfake", string(audio.Data))
	assert.Equal(t, "wav", audio.Format)

	got := <-requests
	assert.Equal(t, "Hello  there", got.Text)
	assert.Equal(t, "cut5", got.TextSplitMethod)
	assert.Equal(t, "wav", got.MediaType)
	assert.Equal(t, float32(1.0), got.Speed)
	assert.Equal(t, "/refs/happy.wav", got.RefAudioPath)
	assert.Equal(t, "今天真开心", got.PromptText)
}

func TestHTTPSynthesizerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSynthesizer(config.TTSConfig{APIURL: srv.URL}, zap.NewNop())
	_, err := s.Synthesize(context.Background(), Request{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")

	_, err = s.Synthesize(context.Background(), Request{Text: "🎉🎉"})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestRefPoolScansWavAndFallsBack(t *testing.T) {
	dir := t.TempDir()
	neutral := filepath.Join(dir, "neutral")
	require.NoError(t, os.MkdirAll(neutral, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(neutral, "a.wav"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(neutral, "aText.txt"), []byte(" 你好 \n"), 0o644))

	pool := LoadRefPool(dir, zap.NewNop())
	ref, ok := pool.Get("sad")
	require.True(t, ok)
	assert.Equal(t, "你好", ref.Text)
	assert.True(t, filepath.IsAbs(ref.Path))

	empty := LoadRefPool(filepath.Join(dir, "missing"), zap.NewNop())
	_, ok = empty.Get("happy")
	assert.False(t, ok)
	assert.Empty(t, empty.List())
}

func TestRefPoolListIsSorted(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"sad/b.wav", "happy/z.wav", "happy/a.wav"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(p)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, p), []byte("x"), 0o644))
	}

	got := LoadRefPool(dir, zap.NewNop()).List()
	assert.Equal(t, []RefEntry{
		{Emotion: "happy", File: "a.wav"},
		{Emotion: "happy", File: "z.wav"},
		{Emotion: "sad", File: "b.wav"},
	}, got)
}

func TestSaveWritesUniqueFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	a, err := Save(dir, &Audio{Data: []byte("1")})
	require.NoError(t, err)
	b, err := Save(dir, &Audio{Data: []byte("2"), Format: "mp3"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, ".wav"))
	assert.True(t, strings.HasSuffix(b, ".mp3"))
}

func TestResolveResourceCandidates(t *testing.T) {
	assert.Equal(t, []string{"volc.service_type.10029", "seed-tts-2.0"}, resolveResourceCandidates(""))
	assert.Equal(t, []string{"volc.megatts.default"}, resolveResourceCandidates("S_clone_speaker"))
	assert.Equal(t, []string{"seed-tts-2.0", "volc.service_type.10029"}, resolveResourceCandidates("zh_female_vv_uranus_bigtts"))
}

func TestEmotionParams(t *testing.T) {
	label, scale, ok := emotionParams("zh_female_gaolengyujie_emo_v2_mars_bigtts", "shy")
	require.True(t, ok)
	assert.Equal(t, "tender", label)
	assert.Equal(t, defaultEmotionScale, scale)

	_, _, ok = emotionParams("zh_female_vv_uranus_bigtts", "happy")
	assert.False(t, ok, "voice without emotion support")
	_, _, ok = emotionParams("zh_male_yourougongzi_emo_v2_mars_bigtts", "neutral")
	assert.False(t, ok)
}

func serverFrame(typ messageType, flags messageFlags, seq int32, payload []byte) []byte {
	buf := []byte{protocolVersion<<4 | 1, byte(typ)<<4 | byte(flags), jsonSerialization << 4, 0}
	if flags&0b0011 == positiveSequence || flags&0b0011 == negativeSequence {
		buf = binary.BigEndian.AppendUint32(buf, uint32(seq))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

func TestDecodeFrameWithEvent(t *testing.T) {
	buf := []byte{protocolVersion<<4 | 1, byte(fullServerResponse)<<4 | byte(withEvent), jsonSerialization << 4, 0}
	buf = binary.BigEndian.AppendUint32(buf, uint32(eventSessionFinished))
	buf = binary.BigEndian.AppendUint32(buf, 3)
	buf = append(buf, "abc"...)
	buf = binary.BigEndian.AppendUint32(buf, 2)
	buf = append(buf, "{}"...)

	f, err := decodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, eventSessionFinished, f.Event)
	assert.Equal(t, "abc", f.SessionID)
	assert.Equal(t, "{}", string(f.Payload))

	_, err = decodeFrame(buf[:len(buf)-1])
	assert.Error(t, err)
}

func TestVolcengineSynthesizerCollectsAudio(t *testing.T) {
	upgrader := websocket.Upgrader{}
	requests := make(chan volcRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app", r.Header.Get("X-Api-App-Key"))
		assert.Equal(t, "seed-tts-2.0", r.Header.Get("X-Api-Resource-Id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			t.Errorf("decode client request: %v", err)
			return
		}
		var req volcRequest
		_ = json.Unmarshal(f.Payload, &req)
		requests <- req

		conn.WriteMessage(websocket.BinaryMessage, serverFrame(audioOnlyServerResponse, positiveSequence, 1, []byte("abc")))
		conn.WriteMessage(websocket.BinaryMessage, serverFrame(audioOnlyServerResponse, negativeSequence, -2, []byte("def")))
	}))
	defer srv.Close()

	s, err := NewVolcengineSynthesizer(config.TTSConfig{
		AppID:       "app",
		AccessToken: "token",
		Voice:       "zh_female_tianxinxiaomei_emo_v2_mars_bigtts",
		Speed:       1.2,
	}, zap.NewNop())
	require.NoError(t, err)
	s.endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")

	audio, err := s.Synthesize(context.Background(), Request{Text: "你好", Emotion: "happy", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(audio.Data))
	assert.Equal(t, "mp3", audio.Format)

	got := <-requests
	assert.Equal(t, "s1", got.User.UID)
	assert.Equal(t, "你好", got.ReqParams.Text)
	assert.Equal(t, "happy", got.ReqParams.AudioParams.Emotion)
	assert.Equal(t, float32(1.2), got.ReqParams.AudioParams.SpeedRatio)
}

func TestVolcengineRequiresCredentials(t *testing.T) {
	_, err := New(config.TTSConfig{Provider: "volcengine"}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(config.TTSConfig{Provider: "carrier-pigeon"}, zap.NewNop())
	assert.Error(t, err)
}
