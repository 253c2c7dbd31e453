package pipeline

import (
	"errors"
	"testing"
)

func TestParseConfidencePrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantConf float64
		wantText string
		wantErr  bool
	}{
		{"marker", "[CONF:0.92]Hello there.", 0.92, "Hello there.", false},
		{"no marker", "Hello there.", 1, "Hello there.", false},
		{"leading whitespace", "  [CONF:0.5] Sure.", 0.5, " Sure.", false},
		{"spaces inside", "[CONF: 0.75 ]Yes.", 0.75, "Yes.", false},
		{"integer", "[CONF:1]Yes.", 1, "Yes.", false},
		{"zero", "[CONF:0.00]", 0, "", false},
		{"not a number", "[CONF:high]Yes.", 0, "Yes.", true},
		{"out of range", "[CONF:1.5]Yes.", 0, "Yes.", true},
		{"negative", "[CONF:-0.2]Yes.", 0, "Yes.", true},
		{"nan", "[CONF:NaN]Yes.", 0, "Yes.", true},
		{"unterminated", "[CONF:0.9 Yes.", 0, "", true},
		{"other bracket", "[note] Yes.", 1, "[note] Yes.", false},
		{"marker later in text", "Yes. [CONF:0.2]", 1, "Yes. [CONF:0.2]", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conf, text, err := ParseConfidencePrefix(tc.in)
			if conf != tc.wantConf {
				t.Errorf("confidence: want %v, got %v", tc.wantConf, conf)
			}
			if text != tc.wantText {
				t.Errorf("text: want %q, got %q", tc.wantText, text)
			}
			if tc.wantErr != (err != nil) {
				t.Fatalf("err: want error=%v, got %v", tc.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrMalformedConfidence) {
				t.Errorf("want ErrMalformedConfidence, got %v", err)
			}
		})
	}
}

func TestMarkerScanner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tokens   []string
		wantConf float64
		wantText string
		wantErr  bool
	}{
		{"whole marker", []string{"[CONF:0.92]Hello", " there."}, 0.92, "Hello there.", false},
		{"split marker", []string{"[", "CO", "NF:0.", "81", "]Hi", "."}, 0.81, "Hi.", false},
		{"no marker", []string{"Hel", "lo."}, 1, "Hello.", false},
		{"bracket that is not a marker", []string{"[", "x] ok"}, 1, "[x] ok", false},
		{"never closes", []string{"[CONF:0.9", " and then a long run of words"}, 0, "", true},
		{"marker only at end of stream", []string{"[CONF:0.6"}, 0, "", true},
		{"leading whitespace", []string{"  ", "[CONF:0.7]", "Ok."}, 0.7, "Ok.", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var s markerScanner
			var got string
			for _, tok := range tc.tokens {
				got += s.feed(tok)
			}
			got += s.flush()
			if !s.settled {
				t.Fatal("scanner not settled after flush")
			}
			if s.conf != tc.wantConf {
				t.Errorf("confidence: want %v, got %v", tc.wantConf, s.conf)
			}
			if got != tc.wantText {
				t.Errorf("text: want %q, got %q", tc.wantText, got)
			}
			if tc.wantErr != (s.err != nil) {
				t.Errorf("err: want error=%v, got %v", tc.wantErr, s.err)
			}
		})
	}
}
