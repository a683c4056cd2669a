// Package policy holds the instance moderation lists: blocked, silenced and
// closed hosts. Lists are read from a yaml file that is reloaded on change.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/fedcore/util"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of the policy file.
type File struct {
	BlockedHosts  []string `yaml:"blockedHosts"`
	SilencedHosts []string `yaml:"silencedHosts"`
	// ClosedHosts are instances we stopped delivering to (suspended or gone).
	ClosedHosts []string `yaml:"closedHosts"`
}

// Lists answers host policy questions. A listed host also covers its subdomains.
type Lists struct {
	mu       sync.RWMutex
	blocked  []string
	silenced []string
	closed   []string
}

// New builds lists from in-memory values.
func New(f File) *Lists {
	l := &Lists{}
	l.set(f)
	return l
}

// Load reads a policy file. An empty path yields empty lists.
func Load(path string) (*Lists, error) {
	l := &Lists{}
	if path == "" {
		return l, nil
	}
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	l.set(*f)
	return l, nil
}

func readFile(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("in policy file: %w", err)
	}
	return &f, nil
}

func normalizeAll(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if n := util.NormalizeHost(h); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (l *Lists) set(f File) {
	blocked, silenced, closed := normalizeAll(f.BlockedHosts), normalizeAll(f.SilencedHosts), normalizeAll(f.ClosedHosts)
	l.mu.Lock()
	l.blocked, l.silenced, l.closed = blocked, silenced, closed
	l.mu.Unlock()
}

func matches(list []string, host string) bool {
	host = util.NormalizeHost(host)
	if host == "" {
		return false
	}
	dotted := "." + host
	for _, entry := range list {
		if strings.HasSuffix(dotted, "."+entry) {
			return true
		}
	}
	return false
}

func (l *Lists) IsBlocked(host string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return matches(l.blocked, host)
}

func (l *Lists) IsSilenced(host string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return matches(l.silenced, host)
}

func (l *Lists) IsClosed(host string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return matches(l.closed, host)
}

// Watch reloads the lists from path whenever the file is written or replaced,
// until ctx is done. A file that fails to parse leaves the previous lists in place.
func (l *Lists) Watch(ctx context.Context, path string, log *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// watch the directory so saves that rename a new file over path are seen
	name := filepath.Base(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					f, err := readFile(path)
					if err != nil {
						log.Warn("Keeping previous host policy", zap.Error(err))
						return
					}
					l.set(*f)
					log.Info("Reloaded host policy", zap.Int("blocked", len(f.BlockedHosts)), zap.Int("silenced", len(f.SilencedHosts)))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Policy watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
