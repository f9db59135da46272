package loghandler

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"pvp-match-server/config"
)

var stamp = regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} `)

func TestCompactHandler_TagAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCompactHandler(&buf, slog.LevelInfo))

	logger.Info("match created", "tag", "matchmaking", "match", "m1", "game", "card-flip")

	line := buf.String()
	if !stamp.MatchString(line) {
		t.Fatalf("missing timestamp prefix: %q", line)
	}
	rest := stamp.ReplaceAllString(line, "")
	want := "[matchmaking] match created match=m1 game=card-flip\n"
	if rest != want {
		t.Errorf("got %q, want %q", rest, want)
	}
}

func TestCompactHandler_WithAttrsCarriesTag(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCompactHandler(&buf, slog.LevelInfo)).With("tag", "expiry", "backend", "memory")

	logger.Warn("sweep failed", "err", "boom")

	rest := stamp.ReplaceAllString(buf.String(), "")
	want := "WARN [expiry] sweep failed backend=memory err=boom\n"
	if rest != want {
		t.Errorf("got %q, want %q", rest, want)
	}
}

func TestCompactHandler_Group(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCompactHandler(&buf, slog.LevelInfo)).WithGroup("redis")

	logger.Info("connected", "addr", "localhost:6379")

	if !strings.Contains(buf.String(), "redis.addr=localhost:6379") {
		t.Errorf("group prefix missing: %q", buf.String())
	}
}

func TestCompactHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCompactHandler(&buf, slog.LevelWarn))

	logger.Info("ignored")
	logger.Debug("ignored too")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below warn, got %q", buf.String())
	}
	logger.Error("kept")
	if !strings.Contains(buf.String(), "ERROR kept") {
		t.Errorf("expected error line, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_WritesRotatedFile(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "server.log")
	logger, closer := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &stdout)

	logger.Info("hello", "tag", "main")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(stdout.String(), "[main] hello") {
		t.Errorf("stdout missing line: %q", stdout.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[main] hello") {
		t.Errorf("log file missing line: %q", data)
	}
}
