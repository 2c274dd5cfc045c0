// Package consoletest provides a scriptable stand-in for the console
// executable. Test binaries re-execute themselves as the console:
//
//	func TestMain(m *testing.M) {
//		consoletest.MaybeRun()
//		os.Exit(m.Run())
//	}
//
// and point a console.Launcher at consoletest.Config(t, consoletest.ModeAPI).
package consoletest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/peterje/consolebridge/internal/console"
)

const (
	envHelper = "CONSOLETEST_HELPER"
	envMode   = "CONSOLETEST_MODE"
)

// Modes understood by the stand-in console.
const (
	// ModeAPI behaves like the real console: it echoes every command and, in
	// api mode 1 and above, follows it with one JSON-RPC object.
	ModeAPI = "api"
	// ModeSilent reads its input up to the exit directive and exits without
	// writing anything.
	ModeSilent = "silent"
	// ModeStderr reads its input up to the exit directive, complains on
	// stderr and exits with status 1.
	ModeStderr = "stderr"
	// ModeLinger behaves like ModeStderr but closes stdout and stays alive
	// until it is signalled.
	ModeLinger = "linger"
	// ModeHang never exits on its own; SIGTERM kills it.
	ModeHang = "hang"
	// ModeStubborn ignores stdin and SIGTERM; only SIGKILL stops it.
	ModeStubborn = "stubborn"
)

// Banner is printed by ModeAPI on startup.
const Banner = "Connecting to Director localhost:9101\n1000 OK: bareos-dir Version: 23.0.1\nEnter a period to cancel a command.\n"

// ExitPayload follows the echoed exit directive in api mode.
const ExitPayload = `{"jsonrpc":"2.0","id":0,"result":{}}`

// Config returns a console configuration that runs the current test binary
// as the stand-in console in the given mode.
func Config(t testing.TB, mode string) console.Config {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return console.Config{
		Path:        exe,
		Env:         []string{envHelper + "=1", envMode + "=" + mode},
		KillTimeout: 100 * time.Millisecond,
	}
}

// MaybeRun turns the process into the stand-in console when it was started
// through Config. It never returns in that case.
func MaybeRun() {
	if os.Getenv(envHelper) != "1" {
		return
	}
	os.Exit(run(os.Getenv(envMode), os.Stdin, os.Stdout, os.Stderr))
}

func run(mode string, stdin io.Reader, stdout, stderr io.Writer) int {
	switch mode {
	case ModeSilent:
		drainUntilExit(stdin)
		return 0
	case ModeStderr:
		drainUntilExit(stdin)
		fmt.Fprintln(stderr, "bconsole: cannot connect to director")
		return 1
	case ModeLinger:
		drainUntilExit(stdin)
		fmt.Fprintln(stderr, "bconsole: cannot connect to director")
		if c, ok := stdout.(io.Closer); ok {
			c.Close()
		}
		time.Sleep(time.Hour)
		return 0
	case ModeHang:
		io.Copy(io.Discard, stdin)
		time.Sleep(time.Hour)
		return 0
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
		return 0
	default:
		return runAPI(stdin, stdout)
	}
}

func drainUntilExit(stdin io.Reader) {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "exit" {
			return
		}
	}
}

func runAPI(stdin io.Reader, stdout io.Writer) int {
	fmt.Fprint(stdout, Banner)

	apiMode := 0
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if rest, ok := strings.CutPrefix(line, ".api "); ok {
			fmt.Sscanf(rest, "%d", &apiMode)
			continue
		}

		switch line {
		case "exit", "quit":
			if apiMode > 0 {
				fmt.Fprintf(stdout, "%s\n%s", line, ExitPayload)
			}
			return 0
		case "crash":
			return 3
		}

		if apiMode == 0 {
			fmt.Fprintf(stdout, "%s\n", line)
			continue
		}
		fmt.Fprintf(stdout, "%s\n%s\n", line, payloadFor(line))
	}
	return 0
}

func payloadFor(command string) string {
	switch command {
	case "status director":
		return `{"jsonrpc":"2.0","id":0,"result":"OK"}`
	case "list pools":
		return `{"jsonrpc":"2.0","id":0,"result":{"pools":[{"poolid":"1","name":"Full"},{"poolid":"2","name":"Incremental"}]}}`
	case "noresult":
		return `{"jsonrpc":"2.0","id":0}`
	case "garbage":
		return `this is not json`
	case "fail":
		return `{"jsonrpc":"2.0","id":0,"error":{"code":1,"message":"failed","data":{"messages":{"error":["unknown command"]}}}}`
	default:
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":0,"result":{"command":%q}}`, command)
	}
}
