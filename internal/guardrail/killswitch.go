package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// KillSwitch suppresses every automated action while engaged. The flag
// may be mirrored to a file: the file's presence means engaged and its
// content is the reason, so operators can flip it with touch/rm while the
// loop runs.
type KillSwitch struct {
	mu        sync.RWMutex
	engaged   bool
	reason    string
	since     time.Time
	path      string
	listeners []func(KillSwitchStatus)
	logger    *slog.Logger
}

// KillSwitchStatus is a copy of the switch state.
type KillSwitchStatus struct {
	Engaged bool      `json:"engaged"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	File    string    `json:"file,omitempty"`
}

// NewKillSwitch returns a switch mirrored to path (may be empty). An
// existing file means the switch starts engaged.
func NewKillSwitch(path string, logger *slog.Logger) (*KillSwitch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KillSwitch{path: path, logger: logger}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("guardrail: create kill switch directory: %w", err)
		}
		if _, err := k.reload(); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Engaged reports whether the switch is set.
func (k *KillSwitch) Engaged() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.engaged
}

// Status returns the full switch state.
func (k *KillSwitch) Status() KillSwitchStatus {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return KillSwitchStatus{Engaged: k.engaged, Reason: k.reason, Since: k.since, File: k.path}
}

// OnChange registers fn to run after every state change.
func (k *KillSwitch) OnChange(fn func(KillSwitchStatus)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, fn)
}

// Engage sets the switch. Engaging an engaged switch keeps the original
// reason and time.
func (k *KillSwitch) Engage(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("guardrail: kill switch reason is required")
	}
	k.mu.Lock()
	if k.engaged {
		k.mu.Unlock()
		return nil
	}
	// The in-memory flag is set even when the file cannot be written.
	var werr error
	if k.path != "" {
		if err := writeAtomic(k.path, []byte(reason+"\n")); err != nil {
			werr = fmt.Errorf("guardrail: write kill switch file: %w", err)
		}
	}
	k.engaged, k.reason, k.since = true, reason, time.Now().UTC()
	st, listeners := k.statusLocked(), k.listeners
	k.mu.Unlock()

	k.logger.Warn("kill switch engaged", "reason", reason)
	notify(listeners, st)
	return werr
}

// Clear releases the switch.
func (k *KillSwitch) Clear() error {
	k.mu.Lock()
	if k.path != "" {
		if err := os.Remove(k.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			k.mu.Unlock()
			return fmt.Errorf("guardrail: remove kill switch file: %w", err)
		}
	}
	was := k.engaged
	k.engaged, k.reason, k.since = false, "", time.Time{}
	st, listeners := k.statusLocked(), k.listeners
	k.mu.Unlock()

	if was {
		k.logger.Info("kill switch cleared")
		notify(listeners, st)
	}
	return nil
}

func (k *KillSwitch) statusLocked() KillSwitchStatus {
	return KillSwitchStatus{Engaged: k.engaged, Reason: k.reason, Since: k.since, File: k.path}
}

func notify(listeners []func(KillSwitchStatus), st KillSwitchStatus) {
	for _, fn := range listeners {
		fn(st)
	}
}

// reload syncs the in-memory flag with the file. Returns whether it changed.
func (k *KillSwitch) reload() (bool, error) {
	data, err := os.ReadFile(k.path)
	engaged := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("guardrail: read kill switch file: %w", err)
	}
	reason := strings.TrimSpace(string(data))
	if engaged && reason == "" {
		reason = "kill switch file present"
	}

	k.mu.Lock()
	if k.engaged == engaged {
		k.mu.Unlock()
		return false, nil
	}
	k.engaged, k.reason = engaged, reason
	if engaged {
		k.since = time.Now().UTC()
	} else {
		k.since = time.Time{}
	}
	st, listeners := k.statusLocked(), k.listeners
	k.mu.Unlock()

	notify(listeners, st)
	return true, nil
}

// Watch follows external changes to the kill switch file. It watches the
// parent directory so creation and removal are both seen. Blocks until
// ctx is cancelled. A switch without a file returns immediately.
func (k *KillSwitch) Watch(ctx context.Context) error {
	if k.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("guardrail: create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(k.path)); err != nil {
		return fmt.Errorf("guardrail: watch %q: %w", filepath.Dir(k.path), err)
	}

	name := filepath.Clean(k.path)
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				changed, err := k.reload()
				if err != nil {
					k.logger.Error("kill switch reload failed", "error", err)
					return
				}
				if changed {
					st := k.Status()
					k.logger.Warn("kill switch changed on disk", "engaged", st.Engaged, "reason", st.Reason)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			k.logger.Warn("kill switch watcher error", "error", err)
		}
	}
}

// writeAtomic writes data via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
