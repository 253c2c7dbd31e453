package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/cadence/pkg/types"
)

// fakeServer mimics the stream-input endpoint: every text fragment is echoed
// back as "audio" and the closing empty text ends the stream with isFinal.
type fakeServer struct {
	srv     *httptest.Server
	path    chan string
	apiKey  chan string
	texts   chan textMessage
	errorOn string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		path:   make(chan string, 1),
		apiKey: make(chan string, 1),
		texts:  make(chan textMessage, 32),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/voices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "xi-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voices":[
			{"voice_id":"abc123","name":"Rachel","category":"premade","labels":{"gender":"female"}},
			{"voice_id":"def456","name":"Adam"}
		]}`))
	})
	mux.HandleFunc("/v1/text-to-speech/{voice}/stream-input", func(w http.ResponseWriter, r *http.Request) {
		f.path <- r.URL.RequestURI()
		f.apiKey <- r.Header.Get("xi-api-key")
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg textMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			f.texts <- msg
			var resp audioResponse
			switch {
			case msg.Text == "":
				resp.IsFinal = true
			case msg.Text == " ":
				continue
			case f.errorOn != "" && strings.Contains(msg.Text, f.errorOn):
				resp.Error = "quota_exceeded"
			default:
				resp.Audio = base64.StdEncoding.EncodeToString([]byte("pcm:" + strings.TrimSpace(msg.Text)))
			}
			b, _ := json.Marshal(resp)
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
			if resp.IsFinal || resp.Error != "" {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func collect(t *testing.T, ch <-chan []byte) []string {
	t.Helper()
	var out []string
	timeout := time.After(3 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, string(b))
		case <-timeout:
			t.Fatal("audio channel not closed in time")
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty apiKey")
	}
	p, err := New("xi-test", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatal(err)
	}
	if p.model != "eleven_turbo_v2" || p.outputFormat != "pcm_24000" || p.baseURL != defaultBaseURL {
		t.Errorf("unexpected provider config: %+v", p)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{defaultBaseURL, "wss://api.elevenlabs.io/v1/text-to-speech/v1/stream-input?model_id=eleven_flash_v2_5&output_format=pcm_16000"},
		{"http://127.0.0.1:9000/", "ws://127.0.0.1:9000/v1/text-to-speech/v1/stream-input?model_id=eleven_flash_v2_5&output_format=pcm_16000"},
	}
	for _, tt := range tests {
		p, _ := New("xi-test", WithBaseURL(tt.base))
		if got := p.streamURL("v1"); got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestSettingsFor(t *testing.T) {
	def := settingsFor(types.VoiceProfile{ID: "v"})
	if def.Stability != 0.5 || def.SimilarityBoost != 0.75 {
		t.Errorf("defaults = %+v", def)
	}
	got := settingsFor(types.VoiceProfile{ID: "v", Metadata: map[string]string{
		"stability":        "0.3",
		"similarity_boost": "7", // out of range, ignored
	}})
	if got.Stability != 0.3 || got.SimilarityBoost != 0.75 {
		t.Errorf("overrides = %+v", got)
	}
}

func TestSynthesizeStream(t *testing.T) {
	f := newFakeServer(t)
	p, _ := New("xi-test", WithBaseURL(f.srv.URL))

	text := make(chan string, 3)
	text <- "Sure, one moment."
	text <- "   "
	text <- "Here it is."
	close(text)

	audio, err := p.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "abc123"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	got := collect(t, audio)
	want := []string{"pcm:Sure, one moment.", "pcm:Here it is."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("audio = %q, want %q", got, want)
	}

	if key := <-f.apiKey; key != "xi-test" {
		t.Errorf("api key header = %q", key)
	}
	if path := <-f.path; !strings.Contains(path, "/v1/text-to-speech/abc123/stream-input") || !strings.Contains(path, "output_format=pcm_16000") {
		t.Errorf("path = %q", path)
	}

	boi := <-f.texts
	if boi.Text != " " || boi.VoiceSettings == nil {
		t.Errorf("first message = %+v, want BOI with voice settings", boi)
	}
	first := <-f.texts
	if first.Text != "Sure, one moment. " || !first.TryTriggerGeneration || first.VoiceSettings != nil {
		t.Errorf("fragment message = %+v", first)
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	f := newFakeServer(t)
	f.errorOn = "fail"
	p, _ := New("xi-test", WithBaseURL(f.srv.URL))

	text := make(chan string)
	audio, err := p.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "abc123"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	text <- "this will fail"
	// The stream closes early without the text channel being closed.
	if got := collect(t, audio); len(got) != 0 {
		t.Errorf("expected no audio, got %q", got)
	}
}

func TestSynthesizeStream_Cancel(t *testing.T) {
	f := newFakeServer(t)
	p, _ := New("xi-test", WithBaseURL(f.srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string)
	audio, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "abc123"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()
	collect(t, audio)
}

func TestSynthesizeStream_Validation(t *testing.T) {
	p, _ := New("xi-test", WithBaseURL("http://127.0.0.1:1"))
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), types.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), types.VoiceProfile{ID: "v"}); err == nil {
		t.Error("expected dial error for unreachable host")
	}
}

func TestListVoices(t *testing.T) {
	f := newFakeServer(t)
	p, _ := New("xi-test", WithBaseURL(f.srv.URL))

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("want 2 voices, got %d", len(voices))
	}
	rachel := voices[0]
	if rachel.ID != "abc123" || rachel.Name != "Rachel" || rachel.Provider != "elevenlabs" {
		t.Errorf("unexpected voice: %+v", rachel)
	}
	if rachel.Metadata["gender"] != "female" || rachel.Metadata["category"] != "premade" {
		t.Errorf("unexpected metadata: %v", rachel.Metadata)
	}
	if len(voices[1].Metadata) != 0 {
		t.Errorf("voice without labels should have empty metadata, got %v", voices[1].Metadata)
	}

	bad, _ := New("wrong", WithBaseURL(f.srv.URL))
	if _, err := bad.ListVoices(context.Background()); err == nil {
		t.Error("expected error for rejected API key")
	}
}
