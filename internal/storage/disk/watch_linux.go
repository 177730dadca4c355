//go:build linux

package disk

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/brokerd/internal/storage"
)

const nfsSuperMagic = 0x6969

func watchSupported(root string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type != nfsSuperMagic
}

// SubscribeChanges registers a filesystem watcher on the directory holding
// prefix. fsnotify watches are not recursive, so prefixes are expected to
// name a directory (for example "resources/<group>/<kind>/").
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	dir := s.objectDir
	if prefix != "" {
		dir = filepath.Join(s.objectDir, filepath.FromSlash(path.Dir(prefix+"x")))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare watch directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch directory %q: %w", dir, err)
	}
	sub := &changeSubscription{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (c *changeSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *changeSubscription) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.watcher.Close()
	})
	return nil
}

func (c *changeSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case _, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.signal()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.signal()
		}
	}
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
