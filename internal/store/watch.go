package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchPending subscribes to the pending mutation count.
//
// The channel receives the current count immediately and again after every
// write made through this Store that changes the log. A slow reader only
// ever sees the latest count. The channel is closed when ctx ends.
//
// Watching is passive: it never triggers a flush.
func (s *Store) WatchPending(ctx context.Context) <-chan int {
	ch := make(chan int, 1)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	if n, err := s.PendingCount(ctx); err == nil {
		publish(ch, n)
	}

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.watchMu.Unlock()
	}()
	return ch
}

func (s *Store) notifyPending(ctx context.Context) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if len(s.watchers) == 0 {
		return
	}
	// The write's ctx may already be ending; the count is still worth sending.
	n, err := s.PendingCount(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Warn().Err(err).Msg("pending count unavailable")
		return
	}
	for ch := range s.watchers {
		publish(ch, n)
	}
}

// publish replaces any unread value with n.
func publish(ch chan int, n int) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- n:
	default:
	}
}

// FileWatcher reports pending-count changes made by other processes sharing
// the same database file, such as CLI commands run while a daemon is up.
type FileWatcher struct {
	store    *Store
	logger   zerolog.Logger
	debounce time.Duration
}

// NewFileWatcher creates a watcher over the store's database file.
func NewFileWatcher(s *Store, logger zerolog.Logger) *FileWatcher {
	return &FileWatcher{store: s, logger: logger, debounce: 100 * time.Millisecond}
}

// Run calls onChange with the pending count whenever the database or its WAL
// is written, coalescing bursts. It blocks until ctx ends.
func (w *FileWatcher) Run(ctx context.Context, onChange func(pending int)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dbPath, err := filepath.Abs(w.store.Path())
	if err != nil {
		return err
	}
	// Watch the directory: SQLite replaces -wal and -shm files.
	if err := fw.Add(filepath.Dir(dbPath)); err != nil {
		return err
	}
	relevant := map[string]bool{
		dbPath:          true,
		dbPath + "-wal": true,
	}

	last := -1
	report := func() {
		n, err := w.store.PendingCount(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("pending count unavailable")
			return
		}
		if n != last {
			last = n
			onChange(n)
		}
	}
	report()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant[filepath.Clean(ev.Name)] || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("file watch error")
		case <-fire:
			fire = nil
			report()
		}
	}
}
