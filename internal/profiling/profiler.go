// Package profiling backs the --profile-* flags of the pkgsearch CLI.
//
// Samples and trace events are attributed to the command being run: CPU
// samples carry a "command" label and the trace holds one task per command.
package profiling

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// LabelCommand is the pprof label key holding the command name.
const LabelCommand = "command"

// Profiler manages CPU, heap and trace profiles for one command run.
type Profiler struct {
	command   string
	cpuFile   *os.File
	traceFile *os.File
}

// NewProfiler creates a Profiler for the named command, e.g. "search".
func NewProfiler(command string) *Profiler {
	return &Profiler{command: command}
}

// Command returns the command name the profiles are attributed to.
func (p *Profiler) Command() string {
	return p.command
}

// Label tags the calling goroutine, and goroutines started from the
// returned context, with the command name.
func (p *Profiler) Label(ctx context.Context) context.Context {
	ctx = pprof.WithLabels(ctx, pprof.Labels(LabelCommand, p.command))
	pprof.SetGoroutineLabels(ctx)
	return ctx
}

// StartCPU starts CPU profiling to path.
// The cleanup function stops profiling and flushes the file.
func (p *Profiler) StartCPU(path string) (cleanup func(), err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile for %s: %w", p.command, err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to start CPU profile for %s: %w", p.command, err)
	}

	p.cpuFile = f

	return func() {
		pprof.StopCPUProfile()
		_ = p.cpuFile.Close()
		p.cpuFile = nil
	}, nil
}

// WriteHeap writes a point-in-time heap profile to path.
func (p *Profiler) WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile for %s: %w", p.command, err)
	}
	defer func() { _ = f.Close() }()

	runtime.GC()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile for %s: %w", p.command, err)
	}

	return nil
}

// StartTrace starts execution tracing to path and opens a
// "pkgsearch.<command>" task. Work run under the returned context is
// grouped under that task.
func (p *Profiler) StartTrace(ctx context.Context, path string) (context.Context, func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to create trace for %s: %w", p.command, err)
	}

	if err := trace.Start(f); err != nil {
		_ = f.Close()
		return ctx, nil, fmt.Errorf("failed to start trace for %s: %w", p.command, err)
	}

	p.traceFile = f
	ctx, task := trace.NewTask(ctx, "pkgsearch."+p.command)

	return ctx, func() {
		task.End()
		trace.Stop()
		_ = p.traceFile.Close()
		p.traceFile = nil
	}, nil
}
