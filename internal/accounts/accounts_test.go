package accounts

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sample = `
[[account]]
id = "work"
name = "Work mail"
app = "mail"
type = "email"
enabled = true

[[account]]
id = "chat"
name = "Chat"
app = "im"
type = "IM"
uci = "im:alice"
uci_prefix = "im"
enabled = false
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")
	writeFile(t, path, sample)

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []Account{
		{ID: "work", Name: "Work mail", App: "mail", Type: TypeEmail, Enabled: true},
		{ID: "chat", Name: "Chat", App: "im", Type: TypeIM, UCI: "im:alice", UCIPrefix: "im"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[:1], Enabled(got)); diff != "" {
		t.Errorf("Enabled() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]string{
		"invalid toml": "not valid [[ toml",
		"missing id":   "[[account]]\nname = \"x\"\ntype = \"EMAIL\"\n",
		"bad type":     "[[account]]\nid = \"x\"\ntype = \"SMS_GSM\"\n",
		"duplicate":    "[[account]]\nid = \"x\"\ntype = \"IM\"\n[[account]]\nid = \"x\"\ntype = \"IM\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "accounts.toml")
			writeFile(t, path, content)
			if _, err := Load(path); err == nil {
				t.Error("Load() succeeded")
			}
		})
	}

	got, err := Load("/nonexistent/accounts.toml")
	if err != nil || len(got) != 0 {
		t.Errorf("missing file = %v, %v", got, err)
	}
}

func TestDiff(t *testing.T) {
	a := Account{ID: "a", Name: "A", Type: TypeEmail}
	b := Account{ID: "b", Name: "B", Type: TypeIM}
	renamed := Account{ID: "a", Name: "A2", Type: TypeEmail}

	added, removed := Diff([]Account{a, b}, []Account{b, renamed})
	if diff := cmp.Diff([]Account{renamed}, added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Account{a}, removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}

	enabledOnly := a
	enabledOnly.Enabled = true
	if added, removed := Diff([]Account{a}, []Account{enabledOnly}); len(added)+len(removed) != 0 {
		t.Error("accounts differing outside the key compared unequal")
	}
}

func TestRegistryReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")
	writeFile(t, path, sample)
	r := NewRegistry(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var reasons []string
	r.OnChange(func(reason string) { reasons = append(reasons, reason) })

	ctx := context.Background()
	if changed, err := r.Reload(ctx); err != nil || !changed {
		t.Fatalf("first Reload() = %v, %v", changed, err)
	}
	if changed, _ := r.Reload(ctx); changed {
		t.Error("unchanged file reported a change")
	}

	writeFile(t, path, strings.Replace(sample, "enabled = false", "enabled = true", 1))
	if changed, err := r.Reload(ctx); err != nil || !changed {
		t.Fatalf("Reload() after enabling = %v, %v", changed, err)
	}
	enabled, _ := r.EnabledAccounts(ctx)
	if len(enabled) != 2 {
		t.Errorf("EnabledAccounts() = %v", enabled)
	}
	if len(reasons) != 2 || !strings.Contains(reasons[1], "1 added, 0 removed") {
		t.Errorf("reasons = %q", reasons)
	}
	if len(r.All()) != 2 {
		t.Errorf("All() = %v", r.All())
	}
}
