// Package watcher watches the EPG input directory and reports files that
// have finished being written.
//
// fsnotify has no close-after-write event, so create/write notifications
// are debounced: a file is reported once no new writes have arrived for a
// quiet period.
package watcher

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tlejmi/fastocloud-epg/internal/logging"
)

// DefaultQuietPeriod is the debounce window after the last write.
const DefaultQuietPeriod = 500 * time.Millisecond

// Watcher emits paths of newly deposited files in a directory.
type Watcher struct {
	dir     string
	quiet   time.Duration
	onFile  func(path string)
	fw      *fsnotify.Watcher
	ready   chan string
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a watcher for dir. onFile is called from the watcher
// goroutine for every settled file; it must not block for long.
func New(dir string, onFile func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:     dir,
		quiet:   DefaultQuietPeriod,
		onFile:  onFile,
		fw:      fw,
		ready:   make(chan string, 16),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// SetQuietPeriod overrides the debounce window. Call before Start.
func (w *Watcher) SetQuietPeriod(d time.Duration) { w.quiet = d }

// Start runs the watch loop in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Close stops the watch loop and releases the inotify descriptor.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fw.Close()
	<-w.stopped
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	log := logging.Component("watcher")

	// One pending timer per path; the timer posts into ready when the
	// quiet period elapses without another write.
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if isDir(ev.Name) {
				continue
			}
			path := ev.Name
			if t, ok := pending[path]; ok {
				t.Reset(w.quiet)
				continue
			}
			pending[path] = time.AfterFunc(w.quiet, func() {
				select {
				case w.ready <- path:
				case <-w.stopCh:
				}
			})

		case path := <-w.ready:
			delete(pending, path)
			w.onFile(path)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watch error")

		case <-w.stopCh:
			return
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
