// Package executor runs single console commands to completion and decodes
// their JSON result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/errdefs"
	"github.com/peterje/consolebridge/internal/logging"
	"github.com/peterje/consolebridge/internal/metrics"
)

// DefaultAPIMode is the structured JSON mode of the console.
const DefaultAPIMode = 2

const (
	apiDirective  = ".api"
	exitDirective = "exit"
	maxAPIMode    = 3
)

// Executor runs one command per console process.
type Executor struct {
	spawner console.Spawner
	logger  zerolog.Logger
}

func New(spawner console.Spawner) *Executor {
	return &Executor{
		spawner: spawner,
		logger:  logging.With("executor"),
	}
}

// Execute spawns a console, runs command in the given api mode and returns
// the command's result field. It blocks until the console closes its output
// or ctx is done; there is no timeout of its own.
func (e *Executor) Execute(ctx context.Context, command string, apiMode int) (json.RawMessage, error) {
	start := time.Now()
	result, err := e.execute(ctx, command, apiMode)

	outcome := metrics.OutcomeOf(err)
	metrics.CommandsTotal.WithLabelValues(outcome).Inc()
	metrics.CommandDuration.Observe(time.Since(start).Seconds())

	ev := e.logger.Debug()
	if err != nil {
		ev = e.logger.Warn().Err(err)
	}
	ev.Str("command", command).
		Int("api_mode", apiMode).
		Str("outcome", outcome).
		Dur("took", time.Since(start)).
		Msg("command executed")

	return result, err
}

func (e *Executor) execute(ctx context.Context, command string, apiMode int) (json.RawMessage, error) {
	if err := ValidateCommand(command); err != nil {
		return nil, err
	}
	if apiMode < 0 || apiMode > maxAPIMode {
		return nil, fmt.Errorf("%w: %d not in 0..%d", errdefs.ErrInvalidAPIMode, apiMode, maxAPIMode)
	}

	proc, err := e.spawner.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	defer proc.Terminate()

	// Terminating on cancel unblocks ReadAll.
	stop := context.AfterFunc(ctx, proc.Terminate)
	defer stop()

	script := []string{
		fmt.Sprintf("%s %d", apiDirective, apiMode),
		command,
		exitDirective,
	}
	for _, line := range script {
		if err := proc.WriteLine(line); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}

	output, err := proc.ReadAll()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	result, err := ExtractResult(output, command)
	if errors.Is(err, errdefs.ErrEmptyOutput) {
		// stderr is complete only once the process has been reaped.
		proc.Terminate()
		select {
		case <-proc.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if tail := strings.TrimSpace(proc.StderrTail()); tail != "" {
			return nil, fmt.Errorf("%w: stderr: %s", err, tail)
		}
	}
	return result, err
}

// ValidateCommand rejects commands that are empty or span more than one
// line; a second line would reach the console as a separate directive.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty", errdefs.ErrInvalidCommand)
	}
	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("%w: must be a single line", errdefs.ErrInvalidCommand)
	}
	return nil
}
