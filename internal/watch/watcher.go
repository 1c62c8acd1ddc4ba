// Package watch detects changes to the Messages archive file and emits
// coalesced change ticks. Two independent signal sources feed one output:
// filesystem notifications on the archive's directory (debounced), and a
// polling fallback on the WAL sidecar's modification time, because the
// Messages writer does not reliably trigger filesystem events for every
// commit.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tick marks "the archive changed at or before this instant". It carries
// no payload: it is a wake-up, not a diff.
type Tick struct {
	Timestamp int64 // Unix milliseconds
}

// Options tunes the watcher. Zero values pick the defaults below.
type Options struct {
	// Debounce is the quiet period after a filesystem event burst
	// before a tick is emitted.
	Debounce time.Duration
	// PollInterval is the fallback poll cadence on the WAL sidecar.
	PollInterval time.Duration
}

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultPollInterval = 2 * time.Second
)

// Watcher observes one archive file.
type Watcher struct {
	path string
	opts Options
	log  *zap.Logger
	out  chan Tick
}

// New creates a watcher for the archive at path. Start must be called to
// begin observation.
func New(path string, opts Options, log *zap.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		path: path,
		opts: opts,
		log:  log,
		out:  make(chan Tick, 16),
	}
}

// Ticks returns the output channel. Closed when the context given to
// Start is cancelled.
func (w *Watcher) Ticks() <-chan Tick {
	return w.out
}

// Start launches both signal sources and the forwarding loop. A failure
// to install the filesystem watch is logged and disables only the event
// source; the poll fallback runs regardless.
func (w *Watcher) Start(ctx context.Context) {
	signals := make(chan struct{}, 16)

	go w.runEventSource(ctx, signals)
	go w.runPollSource(ctx, signals)

	go func() {
		defer close(w.out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				tick := Tick{Timestamp: time.Now().UnixMilli()}
				select {
				case w.out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// runEventSource watches the archive's containing directory and signals
// after a debounced burst that touched the archive's file name.
func (w *Watcher) runEventSource(ctx context.Context, signals chan<- struct{}) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error("failed to create filesystem watcher, poll fallback only", zap.Error(err))
		return
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		w.log.Error("failed to watch directory, poll fallback only",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	w.log.Info("watching for changes", zap.String("dir", dir))

	base := filepath.Base(w.path)
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			// Matches chat.db and its -wal/-shm siblings.
			if !strings.Contains(filepath.Base(event.Name), base) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.opts.Debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.opts.Debounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.log.Debug("filesystem events: archive changed")
			select {
			case signals <- struct{}{}:
			default:
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watch error", zap.Error(err))
		}
	}
}

// runPollSource compares the WAL sidecar's mtime on a fixed interval.
// The first observation establishes a baseline and never emits.
func (w *Watcher) runPollSource(ctx context.Context, signals chan<- struct{}) {
	walPath := w.path + "-wal"
	var last time.Time
	if info, err := os.Stat(walPath); err == nil {
		last = info.ModTime()
	}

	w.log.Info("poll fallback started",
		zap.String("wal", walPath), zap.Duration("interval", w.opts.PollInterval))

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(walPath)
			if err != nil {
				continue
			}
			current := info.ModTime()
			if current.Equal(last) {
				continue
			}
			if !last.IsZero() {
				w.log.Debug("poll: archive changed via modification time")
				select {
				case signals <- struct{}{}:
				default:
				}
			}
			last = current
		}
	}
}
