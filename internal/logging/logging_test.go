package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewStampsIdentity(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, Config{Level: "debug"}, Identity{Service: "trade-alerts", Environment: "test", Version: "v1.2.0"})
	logger.Debug().Str("component", "queue").Msg("ready")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("entry is not json: %v (%s)", err, buf.String())
	}
	want := map[string]string{"service": "trade-alerts", "env": "test", "version": "v1.2.0", "component": "queue", "message": "ready"}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestNewOmitsEmptyIdentity(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, Config{}, Identity{})
	logger.Info().Msg("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"service", "env", "version"} {
		if _, ok := entry[k]; ok {
			t.Fatalf("unexpected field %s", k)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":       zerolog.InfoLevel,
		"bogus":  zerolog.InfoLevel,
		"DEBUG":  zerolog.DebugLevel,
		" warn ": zerolog.WarnLevel,
		"error":  zerolog.ErrorLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestInfoSuppressesDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, Config{Level: "info"}, Identity{})
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug entry written at info level: %s", buf.String())
	}
}
