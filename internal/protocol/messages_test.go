package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamEventVariants(t *testing.T) {
	tok, err := ParseStreamEvent(`{"token":"Hel"}`)
	require.NoError(t, err)
	assert.Equal(t, StreamToken, tok.Type)
	assert.Equal(t, "Hel", tok.Token)

	done, err := ParseStreamEvent(`{"type":"complete","session_id":"s1","session_active":false}`)
	require.NoError(t, err)
	assert.Equal(t, StreamComplete, done.Type)
	assert.Equal(t, "s1", done.SessionID)
	require.NotNil(t, done.SessionActive)
	assert.False(t, *done.SessionActive)

	failed, err := ParseStreamEvent(`{"type":"error","error":"upstream down"}`)
	require.NoError(t, err)
	assert.Equal(t, StreamError, failed.Type)

	_, err = ParseStreamEvent(`{"type":"mystery"}`)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = ParseStreamEvent(`{not json`)
	assert.Error(t, err)
}

func TestEncodeStreamEventOmitsTokenType(t *testing.T) {
	raw, err := EncodeStreamEvent(StreamEvent{Type: StreamToken, Token: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"token\":\"hi\"}\n\n", string(raw))
}

func TestChatRequestUsesBackendKeys(t *testing.T) {
	raw, err := json.Marshal(ChatRequest{UserMessage: "hello", UserID: "u1", UserName: "Ada"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "u1", m["user_Id"])
	assert.Contains(t, m, "session_id")
	assert.Nil(t, m["session_id"])
	assert.Equal(t, false, m["is_session_end"])
}

func TestReportDataKeepsUnknownKeys(t *testing.T) {
	var r ReportData
	require.NoError(t, json.Unmarshal([]byte(`{"mood":"calm","strengths":["honesty"],"sleep_score":7}`), &r))
	assert.Equal(t, "calm", r.Mood)
	assert.Equal(t, []string{"honesty"}, r.Strengths)
	assert.Equal(t, 7.0, r.Extra["sleep_score"])

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mood":"calm","strengths":["honesty"],"sleep_score":7}`, string(raw))
}

func TestParseRendererMessage(t *testing.T) {
	msg, err := ParseRendererMessage([]byte(`{"type":"model_loaded","mesh":"head","morph_targets":["viseme_AA","viseme_O"]}`))
	require.NoError(t, err)
	loaded, ok := msg.(ModelLoaded)
	require.True(t, ok)
	assert.Equal(t, "head", loaded.Mesh)
	assert.Equal(t, []string{"viseme_AA", "viseme_O"}, loaded.MorphTargets)

	_, err = ParseRendererMessage([]byte(`{"type":"model_loaded"}`))
	assert.Error(t, err)

	_, err = ParseRendererMessage([]byte(`{"type":"visualizer_scale"}`))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	msg, err = ParseRendererMessage([]byte(`{"type":"render_error","detail":"webgl lost"}`))
	require.NoError(t, err)
	ft, ok := FrameTypeOf(msg)
	require.True(t, ok)
	assert.Equal(t, TypeRenderError, ft)
}
