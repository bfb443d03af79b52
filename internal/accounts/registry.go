package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Registry holds the accounts of one file and reloads it on demand or
// when its modification time changes.
type Registry struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	accounts []Account
	modTime  time.Time
	onChange func(reason string)
}

func NewRegistry(path string, logger *slog.Logger) *Registry {
	return &Registry{path: path, logger: logger}
}

// OnChange sets the function called after a reload changed the enabled set.
func (r *Registry) OnChange(fn func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Path is the file the registry reads.
func (r *Registry) Path() string {
	return r.path
}

// EnabledAccounts returns the enabled accounts of the last load.
func (r *Registry) EnabledAccounts(ctx context.Context) ([]Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Enabled(r.accounts), nil
}

// All returns every account of the last load.
func (r *Registry) All() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Account(nil), r.accounts...)
}

// Reload reads the file. When the enabled set differs from the previous
// load the change function is called with a summary.
func (r *Registry) Reload(ctx context.Context) (bool, error) {
	var modTime time.Time
	if st, err := os.Stat(r.path); err == nil {
		modTime = st.ModTime()
	}
	list, err := Load(r.path)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	added, removed := Diff(Enabled(r.accounts), Enabled(list))
	r.accounts = list
	r.modTime = modTime
	fn := r.onChange
	r.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return false, nil
	}
	reason := fmt.Sprintf("accounts changed: %d added, %d removed", len(added), len(removed))
	r.logger.Info(reason, "path", r.path)
	if fn != nil {
		fn(reason)
	}
	return true, nil
}

func (r *Registry) stale() bool {
	st, err := os.Stat(r.path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err != nil {
		return !r.modTime.IsZero()
	}
	return !st.ModTime().Equal(r.modTime)
}

// Watch polls the file every interval until ctx is done.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !r.stale() {
				continue
			}
			if _, err := r.Reload(ctx); err != nil {
				r.logger.Warn("failed to reload accounts", "path", r.path, "error", err)
			}
		}
	}
}
