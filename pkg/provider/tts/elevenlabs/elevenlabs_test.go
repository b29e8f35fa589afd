package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aihub/voice/pkg/audio"
	"github.com/aihub/voice/pkg/provider/tts"
)

// ---- fake server ----

// fakeServer serves the stream-input WebSocket and the voices endpoint.
// Each session reads the three client messages, records them, and then writes
// replies in order.
type fakeServer struct {
	replies  []string
	received chan []json.RawMessage
	path     chan string
}

func newFakeServer(t *testing.T, replies ...string) (*httptest.Server, *fakeServer) {
	t.Helper()
	fs := &fakeServer{
		replies:  replies,
		received: make(chan []json.RawMessage, 1),
		path:     make(chan string, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/voices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[
			{"voice_id":"abc123","name":"Rachel","category":"premade","labels":{"accent":"american"}},
			{"voice_id":"def456","name":"Clyde"}
		]}`))
	})
	mux.HandleFunc("/v1/text-to-speech/{voice}/stream-input", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		fs.path <- r.URL.String()

		ctx := r.Context()
		var msgs []json.RawMessage
		for len(msgs) < 3 {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msgs = append(msgs, msg)
		}
		fs.received <- msgs

		for _, m := range fs.replies {
			if err := conn.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		// Keep reading so the client's close handshake completes.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fs
}

func audioMsg(pcm []byte, final bool) string {
	b, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(pcm), IsFinal: final})
	return string(b)
}

func collect(t *testing.T, c *audio.Clip) []byte {
	t.Helper()
	var out []byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-c.Audio:
			if !ok {
				return out
			}
			out = append(out, chunk...)
		case <-timeout:
			t.Fatal("clip did not finish")
		}
	}
}

// ---- Synthesize ----

func TestSynthesize_StreamsDecodedAudio(t *testing.T) {
	srv, fs := newFakeServer(t,
		audioMsg([]byte{1, 2, 3, 4}, false),
		`{"audio":null,"isFinal":false}`,
		audioMsg([]byte{5, 6}, false),
		`{"isFinal":true}`,
	)
	p, err := New("key", WithBaseURL(srv.URL), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clip, err := p.Synthesize(context.Background(), "  Hello there. ", tts.VoiceProfile{ID: "voice1", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.Format != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("Format = %v, want 24 kHz mono", clip.Format)
	}

	got := collect(t, clip)
	if string(got) != string([]byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("audio = %v", got)
	}
	if err := clip.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}

	u, _ := url.Parse(<-fs.path)
	if u.Path != "/v1/text-to-speech/voice1/stream-input" {
		t.Errorf("path = %q", u.Path)
	}
	if u.Query().Get("model_id") != defaultModel || u.Query().Get("output_format") != "pcm_24000" {
		t.Errorf("query = %q", u.RawQuery)
	}

	msgs := <-fs.received
	var boi boiMessage
	if err := json.Unmarshal(msgs[0], &boi); err != nil {
		t.Fatalf("unmarshal BOI: %v", err)
	}
	if boi.Text != " " || boi.XiAPIKey != "key" {
		t.Errorf("BOI = %+v", boi)
	}
	if boi.VoiceSettings == nil || boi.VoiceSettings.Speed != 1.1 {
		t.Errorf("BOI voice settings = %+v, want speed 1.1", boi.VoiceSettings)
	}
	var text, flush textMessage
	_ = json.Unmarshal(msgs[1], &text)
	_ = json.Unmarshal(msgs[2], &flush)
	if text.Text != "Hello there. " || !text.TryTriggerGeneration {
		t.Errorf("text message = %+v", text)
	}
	if flush.Text != "" {
		t.Errorf("flush message = %+v, want empty text", flush)
	}
}

func TestSynthesize_ServerErrorEndsClip(t *testing.T) {
	srv, _ := newFakeServer(t,
		audioMsg([]byte{1, 2}, false),
		`{"error":"quota_exceeded","message":"character limit reached"}`,
	)
	p, _ := New("key", WithBaseURL(srv.URL))

	clip, err := p.Synthesize(context.Background(), "Hi", tts.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := collect(t, clip)
	if len(got) != 2 {
		t.Errorf("got %d bytes before the error, want 2", len(got))
	}
	if clip.Err() == nil {
		t.Error("expected stream error on clip")
	}
}

func TestSynthesize_Validation(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "Hi", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	_, err := p.Synthesize(context.Background(), "   ", tts.VoiceProfile{ID: "v"})
	if !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	srv, _ := newFakeServer(t)
	p, _ := New("key", WithBaseURL(srv.URL))

	profiles, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	r := profiles[0]
	if r.ID != "abc123" || r.Name != "Rachel" || r.Provider != "elevenlabs" {
		t.Errorf("profile[0] = %+v", r)
	}
	if r.Metadata["accent"] != "american" || r.Metadata["category"] != "premade" {
		t.Errorf("metadata = %v", r.Metadata)
	}
	if len(profiles[1].Metadata) != 0 {
		t.Errorf("expected empty metadata for unlabeled voice, got %v", profiles[1].Metadata)
	}
}

func TestListVoices_Unauthorized(t *testing.T) {
	srv, _ := newFakeServer(t)
	p, _ := New("wrong", WithBaseURL(srv.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error for HTTP 401")
	}
}

// ---- URL and format helpers ----

func TestStreamURL_Scheme(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"https://api.elevenlabs.io", "wss://api.elevenlabs.io/v1/text-to-speech/v%2F1/stream-input"},
		{"http://localhost:9000/", "ws://localhost:9000/v1/text-to-speech/v%2F1/stream-input"},
	}
	for _, tt := range tests {
		p, _ := New("key", WithBaseURL(tt.base))
		got, err := p.streamURL("v/1")
		if err != nil {
			t.Fatalf("streamURL: %v", err)
		}
		u, _ := url.Parse(got)
		u.RawQuery = ""
		if u.String() != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.base, u.String(), tt.want)
		}
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"pcm_16000", 16000, false},
		{"pcm_44100", 44100, false},
		{"mp3_44100_128", 0, true},
		{"pcm_", 0, true},
	}
	for _, tt := range tests {
		f, err := parseOutputFormat(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseOutputFormat(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if f.SampleRate != tt.want {
			t.Errorf("parseOutputFormat(%q) rate = %d, want %d", tt.name, f.SampleRate, tt.want)
		}
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_RejectsCompressedFormat(t *testing.T) {
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.format != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("format = %v", p.format)
	}
}
