package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meshrelay/meshrelay/internal/config"
)

func TestBaseURLFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Default()
	cfg.Relay.Listen = ":9123"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	configPath, serverURL = path, ""
	defer func() { configPath, serverURL = "", "" }()

	got, err := baseURL()
	if err != nil {
		t.Fatalf("baseURL failed: %v", err)
	}
	if got != "http://127.0.0.1:9123" {
		t.Errorf("baseURL = %q", got)
	}

	serverURL = "http://relay.example:8080/"
	if got, _ := baseURL(); got != "http://relay.example:8080" {
		t.Errorf("baseURL with --server = %q", got)
	}
}

func TestRunStagePostsMessage(t *testing.T) {
	var body struct {
		Msg        map[string]any `json:"msg"`
		Recipients []string       `json:"recipients"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages/stage" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"tok-1"}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	stageTo = []string{"c0:ff:ee:00:00:01", "c0:ff:ee:00:00:02"}
	defer func() { serverURL, stageTo = "", nil }()

	out := captureStdout(t, func() {
		if err := runStage(stageCmd, []string{`{"msg_type":"ECHO_REQUEST","content":"hi"}`}); err != nil {
			t.Fatalf("runStage failed: %v", err)
		}
	})

	if strings.TrimSpace(out) != "tok-1" {
		t.Errorf("printed %q, want the token", out)
	}
	if body.Msg["msg_type"] != "ECHO_REQUEST" || body.Msg["content"] != "hi" {
		t.Errorf("unexpected staged message %v", body.Msg)
	}
	if len(body.Recipients) != 2 {
		t.Errorf("recipients = %v", body.Recipients)
	}
}

func TestRunStageRejectsBadInput(t *testing.T) {
	serverURL = "http://127.0.0.1:1"
	defer func() { serverURL, stageTo = "", nil }()

	stageTo = []string{"c0:ff:ee:00:00:01"}
	if err := runStage(stageCmd, []string{`{"msg_type":"NOPE"}`}); err == nil {
		t.Error("expected error for unknown message type")
	}
	stageTo = []string{"not-an-address"}
	if err := runStage(stageCmd, []string{`{"msg_type":"ECHO_REQUEST"}`}); err == nil {
		t.Error("expected error for bad recipient")
	}
}

func TestRunInitRefusesOverwrite(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "config.yaml")
	defer func() { configPath, force = "", false }()

	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if err := runInit(initCmd, nil); err == nil {
		t.Error("second init should refuse to overwrite")
	}
	force = true
	if err := runInit(initCmd, nil); err != nil {
		t.Errorf("init --force failed: %v", err)
	}
}

func TestSetupLogging(t *testing.T) {
	if err := setupLogging(config.LogConfig{Level: "warn", Subsystems: map[string]string{"meshrelay": "debug"}}); err != nil {
		t.Errorf("setupLogging failed: %v", err)
	}
	if err := setupLogging(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	w.Close()
	data := make([]byte, 4096)
	n, _ := r.Read(data)
	return string(data[:n])
}
