package executor

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/peterje/consolebridge/internal/errdefs"
)

// The console interleaves echoed input and status text with one JSON object
// per command. The payload of a command is anchored by two markers:
//
//	<command>            the console echoes the command line
//	{ ... }              payload
//	exit{                the echoed exit directive followed by its own JSON
//
// Only whitespace may separate the exit directive from its opening brace.

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ExtractResult locates the payload belonging to command in the console
// output and returns its result field.
func ExtractResult(output []byte, command string) (json.RawMessage, error) {
	if len(bytes.TrimSpace(output)) == 0 {
		return nil, errdefs.ErrEmptyOutput
	}

	echo := bytes.Index(output, []byte(command))
	if echo < 0 {
		return nil, fmt.Errorf("%w: command echo %q not found", errdefs.ErrParse, command)
	}
	start := echo + len(command)

	end := indexExitMarker(output, start)
	if end < 0 {
		return nil, fmt.Errorf("%w: %q directive not found after command echo", errdefs.ErrParse, exitDirective)
	}

	region := output[start:end]
	open := bytes.IndexByte(region, '{')
	closing := bytes.LastIndexByte(region, '}')
	if open < 0 || closing < open {
		return nil, fmt.Errorf("%w: no JSON object between command echo and %q", errdefs.ErrParse, exitDirective)
	}

	var resp rpcResponse
	if err := json.Unmarshal(region[open:closing+1], &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrParse, err)
	}
	if len(resp.Result) == 0 {
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: console error %d: %s", errdefs.ErrParse, resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("%w: result field missing", errdefs.ErrParse)
	}
	return resp.Result, nil
}

// indexExitMarker returns the offset of the first exit directive at or after
// from that is followed by an opening brace, or -1.
func indexExitMarker(output []byte, from int) int {
	directive := []byte(exitDirective)
	for from <= len(output) {
		i := bytes.Index(output[from:], directive)
		if i < 0 {
			return -1
		}
		at := from + i
		rest := bytes.TrimLeft(output[at+len(directive):], " \t\r\n")
		if len(rest) > 0 && rest[0] == '{' {
			return at
		}
		from = at + len(directive)
	}
	return -1
}
