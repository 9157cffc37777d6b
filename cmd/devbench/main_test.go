package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestRunRejectsInvalidConfig(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"run"}, "artifact"},
		{[]string{"run", "--iters", "-1", "blinky"}, "iterations"},
		{[]string{"run", "--protocol", "binary", "blinky"}, "protocol"},
		{[]string{"run", "--transport", "jtag", "blinky"}, "transport"},
		{[]string{"--log-level", "loud", "run", "blinky"}, "log level"},
	}

	for _, tt := range tests {
		level := new(slog.LevelVar)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		root := newRootCmd(logger, level)
		root.SetArgs(tt.args)

		err := root.Execute()
		if err == nil {
			t.Errorf("%v: expected error", tt.args)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%v: error %q does not mention %q", tt.args, err, tt.want)
		}
	}
}

func TestLogLevelFlag(t *testing.T) {
	chdir(t, t.TempDir())

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root := newRootCmd(logger, level)
	root.SetArgs([]string{"--log-level", "debug", "run"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing artifacts")
	}

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %s, want DEBUG", level.Level())
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
