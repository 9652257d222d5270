package credential

import (
	"github.com/Laisky/errors/v2"
	"github.com/fsnotify/fsnotify"
)

// fsWatcher wraps an fsnotify watcher scoped to a single directory,
// invoking onChange for every write/create/rename event observed.
type fsWatcher struct {
	w *fsnotify.Watcher
}

func newFSWatcher(dir string, onChange func(path string)) (*fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watch dir: %s", dir)
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange(event.Name)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return &fsWatcher{w: w}, nil
}

func (f *fsWatcher) Close() error {
	return f.w.Close()
}
