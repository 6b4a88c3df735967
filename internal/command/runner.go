// Package command executes external CLI commands and captures their output.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
)

// Result is the outcome of one external command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner abstracts process execution so the sequencer can be tested with a
// fake tool.
type Runner interface {
	// Run executes the command to completion and returns its collected
	// output. A non-zero exit is reported through Result.ExitCode, not the
	// error; the error is reserved for failures to start or signal-kills.
	Run(ctx context.Context, dir string, name string, args ...string) (Result, error)

	// RunStreaming behaves like Run but forwards each output line to the
	// observer as it is produced, for progress visibility on long-running
	// commands. The fully collected text is still returned.
	RunStreaming(ctx context.Context, dir string, observer func(line string), name string, args ...string) (Result, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return finishResult(stdout.String(), stderr.String(), err)
}

func (r *ExecRunner) RunStreaming(ctx context.Context, dir string, observer func(line string), name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}

	// Both pipes are drained concurrently so a full stderr buffer cannot
	// deadlock a process that is still writing stdout, and vice versa.
	var stdout, stderr bytes.Buffer
	var observeMu sync.Mutex
	observe := func(line string) {
		if observer == nil {
			return
		}
		observeMu.Lock()
		observer(line)
		observeMu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go drainLines(&wg, stdoutPipe, &stdout, observe)
	go drainLines(&wg, stderrPipe, &stderr, observe)
	wg.Wait()

	err = cmd.Wait()
	return finishResult(stdout.String(), stderr.String(), err)
}

func drainLines(wg *sync.WaitGroup, r interface{ Read([]byte) (int, error) }, buf *bytes.Buffer, observe func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		observe(line)
	}
}

func finishResult(stdout, stderr string, err error) (Result, error) {
	result := Result{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	result.ExitCode = -1
	return result, err
}
