package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeEspflash writes a shell script that behaves like espflash: it logs
// its arguments, announces the connection and flash on stderr, and prints
// telemetry until interrupted.
func fakeEspflash(t *testing.T, connect bool) (tool, argLog string) {
	t.Helper()

	dir := t.TempDir()
	tool = filepath.Join(dir, "espflash")
	argLog = filepath.Join(dir, "args.log")

	connecting := `echo "Connecting..." >&2`
	if !connect {
		connecting = `echo "Error: no serial port" >&2`
	}

	script := fmt.Sprintf(`#!/bin/sh
echo "$*" >> %q
%s
if [ "$1" = "flash" ]; then
	echo "[00:00:01] Flashing has completed!" >&2
fi
echo "I (10) app: booting"
echo "# REPORT 1"
echo "I (20) perf: Performance counter loop: [10,20] us"
echo "I (21) memory: Heap usage: 64 B"
echo "# REPORT 2"
trap 'exit 0' INT
while true; do sleep 0.05; done
`, argLog, connecting)

	if err := os.WriteFile(tool, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake espflash: %v", err)
	}

	return tool, argLog
}

func TestFlashTransportSession(t *testing.T) {
	tool, argLog := fakeEspflash(t, true)

	tr := NewFlashTransport(FlashConfig{Tool: tool}, discardLogger())

	opts := testOptions()
	opts.LineTimeout = 2 * time.Second
	opts.ConnectTimeout = 2 * time.Second

	s := NewSession(tr, opts)
	artifact := Artifact{Path: "/fw/release/blinky.elf", Name: "blinky"}

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := s.Run(context.Background(), artifact)
		if err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
		if len(result.Performance) != 2 || len(result.Memory) != 1 {
			t.Errorf("attempt %d result = %+v", attempt, result)
		}
	}

	data, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("read arg log: %v", err)
	}

	want := "flash --monitor /fw/release/blinky.elf\nmonitor --non-interactive\n"
	if string(data) != want {
		t.Errorf("espflash invocations = %q, want %q", data, want)
	}
}

func TestFlashTransportNoConnection(t *testing.T) {
	tool, _ := fakeEspflash(t, false)

	tr := NewFlashTransport(FlashConfig{Tool: tool}, discardLogger())

	opts := testOptions()
	opts.ConnectTimeout = 300 * time.Millisecond

	s := NewSession(tr, opts)

	_, err := s.Run(context.Background(), Artifact{Path: "blinky.elf", Name: "blinky"})
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("err = %v, want ErrConnectionTimeout", err)
	}
	if s.Transferred() {
		t.Error("artifact marked transferred without a flash")
	}
}

func TestFlashTransportResetUSB(t *testing.T) {
	dir := t.TempDir()
	argLog := filepath.Join(dir, "reset.log")
	resetTool := filepath.Join(dir, "usb_modeswitch")

	script := fmt.Sprintf("#!/bin/sh\necho \"$*\" >> %q\n", argLog)
	if err := os.WriteFile(resetTool, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	tr := NewFlashTransport(FlashConfig{
		ResetTool:  resetTool,
		USBVendor:  "303a",
		USBProduct: "1001",
	}, discardLogger())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	data, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("read reset log: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "-v 303a -p 1001 --reset-usb" {
		t.Errorf("reset args = %q", got)
	}
}

func TestFlashTransportResetFailure(t *testing.T) {
	tr := NewFlashTransport(FlashConfig{
		ResetTool:  "false",
		USBVendor:  "303a",
		USBProduct: "1001",
	}, discardLogger())

	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestFlashTransportSkipsResetWithoutIDs(t *testing.T) {
	tr := NewFlashTransport(FlashConfig{ResetTool: "/nonexistent"}, discardLogger())

	if err := tr.Connect(context.Background()); err != nil {
		t.Errorf("Connect failed without usb ids: %v", err)
	}
}
