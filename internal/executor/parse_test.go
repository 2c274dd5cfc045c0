package executor

import (
	"errors"
	"strings"
	"testing"

	"github.com/peterje/consolebridge/internal/errdefs"
)

func TestExtractResult(t *testing.T) {
	const exitTail = "exit\n{\"jsonrpc\":\"2.0\",\"id\":0,\"result\":{}}"

	tests := []struct {
		name    string
		output  string
		command string
		want    string
		wantErr error
	}{
		{
			name:    "console stub scenario",
			output:  "status director\n{\"jsonrpc\":\"2.0\",\"id\":0,\"result\":\"OK\"}\n" + exitTail,
			command: "status director",
			want:    `"OK"`,
		},
		{
			name: "banner and whitespace around payload",
			output: "Connecting to Director localhost:9101\n1000 OK: bareos-dir\n" +
				"list pools\n\n   {\"jsonrpc\":\"2.0\",\"id\":0,\"result\":{\"pools\":[]}}  \n\n" + exitTail,
			command: "list pools",
			want:    `{"pools":[]}`,
		},
		{
			name:    "status text between echo and payload",
			output:  "list jobs\nAutomatically selected Catalog: MyCatalog\n{\"result\":{\"jobs\":[1,2]}}\n" + exitTail,
			command: "list jobs",
			want:    `{"jobs":[1,2]}`,
		},
		{
			name:    "crlf line endings from a terminal",
			output:  "status director\r\n{\"result\":\"OK\"}\r\nexit\r\n{\"result\":{}}",
			command: "status director",
			want:    `"OK"`,
		},
		{
			name:    "exit inside payload is not a marker",
			output:  "show jobs\n{\"result\":{\"note\":\"exit code 0\"}}\n" + exitTail,
			command: "show jobs",
			want:    `{"note":"exit code 0"}`,
		},
		{
			name:    "empty output",
			output:  "",
			command: "status director",
			wantErr: errdefs.ErrEmptyOutput,
		},
		{
			name:    "whitespace only",
			output:  " \n\r\n",
			command: "status director",
			wantErr: errdefs.ErrEmptyOutput,
		},
		{
			name:    "command never echoed",
			output:  "1000 OK\n" + exitTail,
			command: "status director",
			wantErr: errdefs.ErrParse,
		},
		{
			name:    "no exit marker",
			output:  "status director\n{\"result\":\"OK\"}\nexit\n",
			command: "status director",
			wantErr: errdefs.ErrParse,
		},
		{
			name:    "no json between anchors",
			output:  "status director\nthis is not json\n" + exitTail,
			command: "status director",
			wantErr: errdefs.ErrParse,
		},
		{
			name:    "malformed json",
			output:  "status director\n{\"result\": OK}\n" + exitTail,
			command: "status director",
			wantErr: errdefs.ErrParse,
		},
		{
			name:    "result field absent",
			output:  "status director\n{\"jsonrpc\":\"2.0\",\"id\":0}\n" + exitTail,
			command: "status director",
			wantErr: errdefs.ErrParse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractResult([]byte(tt.output), tt.command)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractResultConsoleError(t *testing.T) {
	out := "delete pool\n{\"jsonrpc\":\"2.0\",\"id\":0,\"error\":{\"code\":1,\"message\":\"failed\"}}\nexit\n{\"result\":{}}"
	_, err := ExtractResult([]byte(out), "delete pool")
	if !errors.Is(err, errdefs.ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	if !strings.Contains(err.Error(), "console error 1: failed") {
		t.Errorf("err = %q, want console error details", err)
	}
}

func TestIndexExitMarker(t *testing.T) {
	tests := []struct {
		output string
		from   int
		want   int
	}{
		{"exit{", 0, 0},
		{"exit \n {", 0, 0},
		{"exit\nexit\n{", 0, 5},
		{"exit\n{", 1, -1},
		{"exited\n{", 0, -1},
		{"", 0, -1},
	}
	for _, tt := range tests {
		if got := indexExitMarker([]byte(tt.output), tt.from); got != tt.want {
			t.Errorf("indexExitMarker(%q, %d) = %d, want %d", tt.output, tt.from, got, tt.want)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		command string
		ok      bool
	}{
		{"status director", true},
		{"list jobs jobstatus=T", true},
		{"", false},
		{"   ", false},
		{"status director\nexit", false},
		{"status\r", false},
	}
	for _, tt := range tests {
		err := ValidateCommand(tt.command)
		if tt.ok && err != nil {
			t.Errorf("ValidateCommand(%q) = %v, want nil", tt.command, err)
		}
		if !tt.ok && !errors.Is(err, errdefs.ErrInvalidCommand) {
			t.Errorf("ValidateCommand(%q) = %v, want ErrInvalidCommand", tt.command, err)
		}
	}
}
