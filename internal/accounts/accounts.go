// Package accounts loads the messaging accounts served as message access
// instances from a TOML file and reports when the enabled set changes.
package accounts

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Account types.
const (
	TypeEmail = "EMAIL"
	TypeIM    = "IM"
)

// Account identifies one mailbox source.
type Account struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	App       string `toml:"app"`
	Type      string `toml:"type"`
	UCI       string `toml:"uci"`
	UCIPrefix string `toml:"uci_prefix"`
	Enabled   bool   `toml:"enabled"`
}

// Key is the identity of an account. Accounts with equal keys are the same
// account.
type Key struct {
	ID   string
	Name string
	App  string
	Type string
}

func (a Account) Key() Key {
	return Key{ID: a.ID, Name: a.Name, App: a.App, Type: a.Type}
}

func (a Account) String() string {
	return fmt.Sprintf("%s(%s)", a.Name, a.ID)
}

type file struct {
	Accounts []Account `toml:"account"`
}

// Load reads every account in path. A missing file holds no accounts.
func Load(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts: %w", err)
	}
	seen := make(map[string]bool, len(f.Accounts))
	for i := range f.Accounts {
		a := &f.Accounts[i]
		a.Type = strings.ToUpper(strings.TrimSpace(a.Type))
		if a.ID == "" {
			return nil, fmt.Errorf("account %d: missing id", i+1)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("account %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if a.Type != TypeEmail && a.Type != TypeIM {
			return nil, fmt.Errorf("account %s: unsupported type %q", a.ID, a.Type)
		}
	}
	return f.Accounts, nil
}

// Enabled filters list to the enabled accounts.
func Enabled(list []Account) []Account {
	var out []Account
	for _, a := range list {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Diff returns the accounts of cur missing from prev and the accounts of
// prev missing from cur, compared by Key.
func Diff(prev, cur []Account) (added, removed []Account) {
	in := func(list []Account, a Account) bool {
		for _, b := range list {
			if b.Key() == a.Key() {
				return true
			}
		}
		return false
	}
	for _, a := range cur {
		if !in(prev, a) {
			added = append(added, a)
		}
	}
	for _, a := range prev {
		if !in(cur, a) {
			removed = append(removed, a)
		}
	}
	return added, removed
}
