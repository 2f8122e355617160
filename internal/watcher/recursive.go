package watcher

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
)

// addTree watches every directory under root that is not yet watched.
// Failures are logged; the walk continues with the remaining subtrees.
func (watcher *Watcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			watcher.handleWalkError(path, err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && watcher.isIgnored(entry.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.addWatch(path); err != nil {
			if errors.Is(err, ErrMaxWatchesExceeded) {
				watcher.logger.Warn("watch limit reached", map[string]string{
					"path":        path,
					"max_watches": strconv.Itoa(watcher.maxWatches),
				})
				return filepath.SkipAll
			}
			watcher.logger.Warn("watch add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			return filepath.SkipDir
		}
		return nil
	})
}

// filesUnder lists the regular files below root, skipping ignored
// directories.
func (watcher *Watcher) filesUnder(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if path != root && watcher.isIgnored(entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func (watcher *Watcher) addWatch(path string) error {
	watcher.mutex.Lock()
	if _, ok := watcher.watched[path]; ok {
		watcher.mutex.Unlock()
		return nil
	}
	if len(watcher.watched) >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return ErrMaxWatchesExceeded
	}
	watcher.watched[path] = struct{}{}
	active := len(watcher.watched)
	watcher.mutex.Unlock()

	if err := watcher.watcher.Add(path); err != nil {
		watcher.forget(path)
		return err
	}
	watcher.logger.Debug("watch added", map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(active),
	})
	return nil
}

// forget drops path and any watched directory below it. The OS removes the
// underlying watches itself when a directory disappears.
func (watcher *Watcher) forget(path string) {
	prefix := path + string(filepath.Separator)
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	for watched := range watcher.watched {
		if watched == path || strings.HasPrefix(watched, prefix) {
			delete(watcher.watched, watched)
		}
	}
}

func (watcher *Watcher) isIgnored(name string) bool {
	_, ok := watcher.ignore[name]
	return ok
}

func (watcher *Watcher) handleWalkError(path string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	watcher.handleError(&walkError{path: path, err: err})
}

type walkError struct {
	path string
	err  error
}

func (e *walkError) Error() string {
	return e.path + ": " + e.err.Error()
}

func (e *walkError) Unwrap() error {
	return e.err
}
