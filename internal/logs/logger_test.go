package logs

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInit_JSONWithComponent(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	var buf bytes.Buffer
	if err := Init(Options{Level: "debug", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	For("devices").WithField("peer_id", 7).Debug("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if line["component"] != "devices" || line["msg"] != "hello" || line["level"] != "debug" {
		t.Fatalf("line = %v", line)
	}
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	for _, tc := range []struct {
		in   string
		want logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
		{"warning", logrus.WarnLevel},
		{"warn", logrus.WarnLevel},
		{"trace", logrus.TraceLevel},
	} {
		if err := Init(Options{Level: tc.in, Output: &bytes.Buffer{}}); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if Logger.GetLevel() != tc.want {
			t.Fatalf("level %q -> %s, want %s", tc.in, Logger.GetLevel(), tc.want)
		}
	}
}
