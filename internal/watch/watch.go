// Package watch implements the sender's optional directory-watch
// auto-send mode, adapted from the teacher's -file-directory feature
// (github.com/fsnotify/fsnotify): a directory is monitored, and every
// regular, non-dotfile file that appears or changes is pushed onto a
// queue for the caller to transfer.
package watch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Queue streams paths of files ready to send. The channel is never
// closed by Queue itself; call Close to stop watching.
type Queue struct {
	files   chan string
	watcher *fsnotify.Watcher
	errs    chan error
}

// NewQueue starts watching dir. If includeExisting is true, every
// regular file already present is queued first, mirroring the
// teacher's -file-directory-existing flag.
func NewQueue(dir string, includeExisting bool) (*Queue, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	q := &Queue{
		files:   make(chan string, 100),
		watcher: watcher,
		errs:    make(chan error, 10),
	}

	if includeExisting {
		entries, err := os.ReadDir(dir)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			q.files <- filepath.Join(dir, entry.Name())
		}
	}

	go q.watch()
	return q, nil
}

// Files returns the channel of queued file paths.
func (q *Queue) Files() <-chan string { return q.files }

// Errors returns the channel of non-fatal watcher errors.
func (q *Queue) Errors() <-chan error { return q.errs }

func (q *Queue) watch() {
	for {
		select {
		case event, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 && event.Op&fsnotify.Write == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			q.files <- event.Name
		case err, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
			select {
			case q.errs <- err:
			default:
			}
		}
	}
}

// Close stops the underlying watcher.
func (q *Queue) Close() error {
	return q.watcher.Close()
}
