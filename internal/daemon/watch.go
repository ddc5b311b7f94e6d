package daemon

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devsift/sift/internal/model"
)

// defaultIgnoreDirs are never watched or reported, on top of the config's
// ignore globs. Hidden entries are skipped separately.
var defaultIgnoreDirs = map[string]bool{
	".git":         true,
	".sift":        true,
	"node_modules": true,
	"vendor":       true,
}

// Collector turns filesystem changes under the project root into events.
// Directories are watched recursively: the tree is walked at startup and
// directories created later are added as they appear.
type Collector struct {
	root    string
	ignore  []string
	emit    func(model.Event)
	watcher *fsnotify.Watcher

	logger   *log.Logger
	logLevel LogLevel

	wg   sync.WaitGroup
	done chan struct{}
}

// NewCollector prepares a collector rooted at the project directory. emit is
// called on the collector goroutine; it must not block.
func NewCollector(root string, cfg model.WatcherConfig, emit func(model.Event), logger *log.Logger, level LogLevel) (*Collector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Collector{
		root:     root,
		ignore:   cfg.Ignore,
		emit:     emit,
		watcher:  watcher,
		logger:   logger,
		logLevel: level,
		done:     make(chan struct{}),
	}, nil
}

func (c *Collector) Start() error {
	if err := c.watchTree(c.root); err != nil {
		c.watcher.Close()
		return err
	}

	c.wg.Add(1)
	go c.loop()
	return nil
}

func (c *Collector) Stop() {
	close(c.done)
	c.watcher.Close()
	c.wg.Wait()
}

// watchTree registers dir and every non-ignored directory beneath it.
func (c *Collector) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != c.root && c.ignored(path) {
			return filepath.SkipDir
		}
		if err := c.watcher.Add(path); err != nil {
			c.log(LogLevelWarn, "watch %s: %v", path, err)
		}
		return nil
	})
}

func (c *Collector) loop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handle(event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log(LogLevelError, "fsnotify: %v", err)
		}
	}
}

func (c *Collector) handle(event fsnotify.Event) {
	if c.ignored(event.Name) {
		return
	}

	rel, err := filepath.Rel(c.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New directories were not present during the startup walk
			if err := c.watchTree(event.Name); err != nil {
				c.log(LogLevelWarn, "watch new dir %s: %v", event.Name, err)
			}
			return
		}
		c.emitEvent(model.EventFileSaved, rel)
	case event.Has(fsnotify.Write):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return
		}
		c.emitEvent(model.EventFileSaved, rel)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		c.emitEvent(model.EventFileRemoved, rel)
	}
}

func (c *Collector) emitEvent(eventType, rel string) {
	c.log(LogLevelDebug, "collector: %s path=%s", eventType, rel)
	c.emit(model.Event{
		Type:      eventType,
		Path:      rel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ignored applies the fixed skip list, the hidden-entry rule, and the
// config's extra globs to every path segment under the root.
func (c *Collector) ignored(path string) bool {
	rel, err := filepath.Rel(c.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)

	for _, seg := range strings.Split(rel, "/") {
		if defaultIgnoreDirs[seg] {
			return true
		}
		if strings.HasPrefix(seg, ".") {
			return true
		}
		for _, pattern := range c.ignore {
			if ok, _ := filepath.Match(pattern, seg); ok {
				return true
			}
		}
	}
	for _, pattern := range c.ignore {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (c *Collector) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s collector: %s", time.Now().Format(time.RFC3339), level.String(), msg)
}
