// Package persist consumes reassembled buffer-fill tasks and writes
// wall-clock-windowed save blocks to disk, one file per save interval
// per stream, never overwriting an existing file.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/rfsensing/das-host/pkg/dasconfig"
	"github.com/rfsensing/das-host/pkg/reassemble"
)

// Outcome is the per-task result the persister returns explicitly
// rather than bury in logs alone.
type Outcome int

const (
	// Buffered: the block was copied into the save cache; no file written yet.
	Buffered Outcome = iota
	// Written: the save cache filled and was flushed to a new file.
	Written
	// SkippedExists: the cache filled but the target path already
	// existed; the write was skipped and the cache reset regardless.
	SkippedExists
	// WindowMiss: the task's window-end timestamp fell outside the
	// configured save window and was dropped.
	WindowMiss
)

func (o Outcome) String() string {
	switch o {
	case Buffered:
		return "Buffered"
	case Written:
		return "Written"
	case SkippedExists:
		return "SkippedExists"
	case WindowMiss:
		return "WindowMiss"
	default:
		return "Unknown"
	}
}

// saveState is one stream's save cache and bookkeeping.
type saveState struct {
	target   dasconfig.SaveTarget
	bufLen   int
	cacheLen int

	mu        sync.Mutex
	cache  []byte
	offset int
	saving bool
}

// Persister drains a task queue and writes save blocks to disk.
type Persister struct {
	cfg    *dasconfig.Config
	rings  *reassemble.Manager
	states map[string]*saveState
	logger *log.Logger
	now    func() time.Time

	tasks <-chan reassemble.Task
}

// New builds a Persister. rings resolves a task's stream name to the
// ping-pong ring it must copy from.
func New(cfg *dasconfig.Config, rings *reassemble.Manager, tasks <-chan reassemble.Task, logger *log.Logger, nowFunc func() time.Time) (*Persister, error) {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	p := &Persister{cfg: cfg, rings: rings, tasks: tasks, logger: logger, now: nowFunc, states: map[string]*saveState{}}

	for _, target := range cfg.Save.Targets {
		s, ok := cfg.StreamByName(target.Stream)
		if !ok {
			return nil, fmt.Errorf("persist: save target references unknown stream %q", target.Stream)
		}
		bufLen := dasconfig.HandleBufferBytes(s, cfg.HandleIntervalSeconds)
		cacheLen := dasconfig.SaveBufferBytes(s, target.SaveIntervalSeconds)
		if cacheLen%bufLen != 0 {
			return nil, fmt.Errorf("persist: stream %q save cache (%d) is not a multiple of its handle buffer (%d)", s.Name, cacheLen, bufLen)
		}
		p.states[s.Name] = &saveState{
			target:   target,
			bufLen:   bufLen,
			cacheLen: cacheLen,
			cache:    make([]byte, cacheLen),
		}
	}
	return p, nil
}

// Run drains tasks until stop closes, the task channel closes, or a
// save-file write fails (that error is returned). It waits for each
// task with a 1 s timeout poll so it also observes stop while idle.
func (p *Persister) Run(stop <-chan struct{}) error {
	if err := os.MkdirAll(p.cfg.Save.Path, 0o755); err != nil {
		return fmt.Errorf("persist: ensure save directory: %w", err)
	}
	for {
		select {
		case <-stop:
			return nil
		case task, ok := <-p.tasks:
			if !ok {
				return nil
			}
			if _, err := p.handleTask(task); err != nil {
				return err
			}
		case <-time.After(time.Second):
		}
	}
}

// handleTask decides whether a completed buffer falls inside the save
// window, buffers it into the stream's save cache, and flushes the
// cache to disk once it fills. The producer releases a buffer before
// enqueuing its task; handleTask holds the buffer's lock only while
// copying an in-window buffer and leaves it untouched for a dropped
// task. A non-nil error means the save file write itself
// failed; the caller must treat that as fatal to the persist worker.
func (p *Persister) handleTask(task reassemble.Task) (Outcome, error) {
	s, ok := p.cfg.StreamByName(task.Stream)
	if !ok {
		return WindowMiss, nil
	}
	state, ok := p.states[task.Stream]
	if !ok {
		// Not configured for saving: drop the task.
		return WindowMiss, nil
	}

	w := time.Duration(state.target.SaveIntervalSeconds) * time.Second
	windowStart := p.cfg.Save.Begin.Add(-w)
	windowEnd := p.cfg.Save.End.Add(w)

	state.mu.Lock()
	inWindow := !task.WindowEndTS.Before(windowStart) && !task.WindowEndTS.After(windowEnd)

	if !inWindow {
		if state.saving {
			if p.logger != nil {
				p.logger.Info("save window closed", "stream", task.Stream)
			}
			state.saving = false
		}
		state.mu.Unlock()
		return WindowMiss, nil
	}

	if !state.saving {
		if p.logger != nil {
			p.logger.Info("save window opened", "stream", task.Stream)
		}
		state.saving = true
	}

	ring, _ := p.rings.RingByName(p.cfg, task.Stream)
	ring.Lock(task.BufIndex)
	copy(state.cache[state.offset:state.offset+state.bufLen], ring.Buffer(task.BufIndex))
	ring.Unlock(task.BufIndex)

	state.offset += state.bufLen
	if state.offset < state.cacheLen {
		state.mu.Unlock()
		return Buffered, nil
	}

	state.offset = 0
	cacheCopy := append([]byte(nil), state.cache...)
	state.mu.Unlock()

	outcome, err := p.flush(s, state.target, task.WindowEndTS, cacheCopy)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("save file write failed", "stream", task.Stream, "err", err)
		}
		return outcome, fmt.Errorf("persist: write save file for stream %q: %w", task.Stream, err)
	}
	return outcome, nil
}

// flush writes one completed save cache to an atomically-renamed
// file, named from the window-end timestamp with millisecond
// precision. It never overwrites an existing file.
func (p *Persister) flush(s dasconfig.StreamDescriptor, target dasconfig.SaveTarget, windowEnd time.Time, data []byte) (Outcome, error) {
	datePart, err := strftime.Format("%Y-%m-%d_%H-%M-%S", windowEnd)
	if err != nil {
		return Written, fmt.Errorf("format window-end timestamp: %w", err)
	}
	name := fmt.Sprintf("%s%s.%03d.dat", target.Prefix, datePart, windowEnd.Nanosecond()/1e6)
	path := filepath.Join(p.cfg.Save.Path, name)

	if _, err := os.Stat(path); err == nil {
		if p.logger != nil {
			p.logger.Warn("save file already exists, skipping write", "path", path)
		}
		return SkippedExists, nil
	} else if !os.IsNotExist(err) {
		return SkippedExists, err
	}

	tmp, err := os.CreateTemp(p.cfg.Save.Path, ".tmp-"+name+"-*")
	if err != nil {
		return Written, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Written, fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Written, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Written, fmt.Errorf("rename into place: %w", err)
	}

	if p.logger != nil {
		p.logger.Info("save file written", "stream", s.Name, "path", path, "bytes", len(data))
	}
	return Written, nil
}
