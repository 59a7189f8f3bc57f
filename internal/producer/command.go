package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/logging"
)

const (
	// maxOutputSize is the maximum number of bytes read from producer stdout/stderr (10MB)
	maxOutputSize = 10 * 1024 * 1024

	// waitDelay bounds how long Wait blocks on inherited pipes after the process is killed
	waitDelay = time.Second
)

// CommandConfig describes an external producer process.
type CommandConfig struct {
	ID          string
	Kind        Kind
	Command     []string
	Dir         string
	Environment []string // KEY=value entries added to the inherited environment
}

// CommandProducer runs an external process per invocation: ToolInput JSON on
// stdin, ToolOutput JSON on stdout. The adapter's budget is enforced by killing
// the process when the context ends.
type CommandProducer struct {
	config CommandConfig
	logger *zap.Logger
}

// NewCommandProducer validates cfg and returns the producer.
func NewCommandProducer(cfg CommandConfig, logger *zap.Logger) (*CommandProducer, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("producer id cannot be empty")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("producer %s: command array is empty", cfg.ID)
	}
	if cfg.Kind != KindRegime && cfg.Kind != KindTrading {
		return nil, fmt.Errorf("producer %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
	return &CommandProducer{
		config: cfg,
		logger: logging.OrNop(logger).With(zap.String("producer", cfg.ID)),
	}, nil
}

func (p *CommandProducer) ID() string { return p.config.ID }

func (p *CommandProducer) Kind() Kind { return p.config.Kind }

// Produce runs the command once.
//
// Returns:
//   - ctx.Err() if the context ended while the process ran
//   - an error wrapping ErrUnavailable if the process could not start or exited non-zero
//   - an error wrapping ErrSchemaInvalid if stdout is empty, oversized or not a valid document
func (p *CommandProducer) Produce(ctx context.Context, req Request) (Output, error) {
	inputJSON, err := json.Marshal(NewToolInput(req))
	if err != nil {
		return Output{}, fmt.Errorf("failed to marshal producer input: %w", err)
	}

	exitCode, stdout, stderr, err := p.execute(ctx, inputJSON)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		p.logger.Debug("producer process failed",
			zap.Int("exit_code", exitCode), zap.String("stderr", truncate(stderr, 500)))
		return Output{}, err
	}

	out, err := parseToolOutput(stdout, p.config.Kind)
	if err != nil {
		p.logger.Debug("producer output rejected",
			zap.Error(err), zap.String("stdout", truncate(stdout, 200)))
		return Output{}, err
	}
	return out, nil
}

func (p *CommandProducer) execute(ctx context.Context, inputJSON []byte) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, p.config.Command[0], p.config.Command[1:]...)
	cmd.Dir = p.config.Dir
	cmd.Env = append(os.Environ(), p.config.Environment...)
	cmd.WaitDelay = waitDelay

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return -1, "", "", fmt.Errorf("%w: failed to create stdin pipe: %v", ErrUnavailable, err)
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	if err := cmd.Start(); err != nil {
		return -1, "", "", fmt.Errorf("%w: failed to start process: %v", ErrUnavailable, err)
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := stdinPipe.Write(inputJSON); err != nil && !errors.Is(err, os.ErrClosed) {
			p.logger.Debug("failed to write producer stdin", zap.Error(err))
		}
	}()

	err = cmd.Wait()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return exitErr.ExitCode(), stdout, stderr,
				fmt.Errorf("%w: process exited with code %d", ErrUnavailable, exitErr.ExitCode())
		}
		if ctx.Err() != nil {
			return -1, stdout, stderr, ctx.Err()
		}
		return -1, stdout, stderr, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if stdoutBuf.Len() >= maxOutputSize {
		return 0, stdout, stderr, fmt.Errorf("%w: output exceeded 10MB limit", ErrSchemaInvalid)
	}
	return 0, stdout, stderr, nil
}

// parseToolOutput unmarshals and validates a producer's stdout.
func parseToolOutput(stdout string, kind Kind) (Output, error) {
	if strings.TrimSpace(stdout) == "" {
		return Output{}, fmt.Errorf("%w: producer wrote nothing to stdout", ErrSchemaInvalid)
	}

	dec := json.NewDecoder(strings.NewReader(stdout))
	dec.DisallowUnknownFields()

	var doc ToolOutput
	if err := dec.Decode(&doc); err != nil {
		return Output{}, fmt.Errorf("%w: invalid JSON: %v", ErrSchemaInvalid, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Output{}, fmt.Errorf("%w: stdout must hold exactly one JSON object", ErrSchemaInvalid)
	}
	if err := doc.Validate(kind); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	return Output{Regime: doc.Regime, Proposals: doc.Proposals}, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
