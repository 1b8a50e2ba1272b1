// Package workspace owns the on-disk layout: one directory per login
// account holding its journal, operations log and evidence documents, plus
// the general ledger and its root operations log.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jask/jaskledger/internal/journal"
)

const (
	ledgerDir      = "ledger"
	loginsDir      = "logins"
	accountsDir    = "accounts"
	documentsDir   = "documents"
	locksDir       = "locks"
	journalFile    = "journal.jsonl"
	operationsFile = "operations.jsonl"
	generalFile    = "general.jsonl"
	accountFile    = "account.toml"
)

// Workspace is a ledger root directory.
type Workspace struct {
	Root string
}

// Open prepares root, creating the top-level directories if needed.
func Open(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root required")
	}
	for _, d := range []string{ledgerDir, loginsDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return &Workspace{Root: root}, nil
}

func (w *Workspace) LedgerPath() string  { return filepath.Join(w.Root, ledgerDir, generalFile) }
func (w *Workspace) RootOpsPath() string { return filepath.Join(w.Root, ledgerDir, operationsFile) }
func (w *Workspace) LocksDir() string    { return filepath.Join(w.Root, locksDir) }

func (w *Workspace) AccountDir(key journal.AccountKey) string {
	return filepath.Join(w.Root, loginsDir, key.Login, accountsDir, key.Label)
}

func (w *Workspace) JournalPath(key journal.AccountKey) string {
	return filepath.Join(w.AccountDir(key), journalFile)
}

func (w *Workspace) OpsPath(key journal.AccountKey) string {
	return filepath.Join(w.AccountDir(key), operationsFile)
}

func (w *Workspace) DocumentsDir(key journal.AccountKey) string {
	return filepath.Join(w.AccountDir(key), documentsDir)
}

// Logins lists login names, sorted.
func (w *Workspace) Logins() ([]string, error) {
	return listDirs(filepath.Join(w.Root, loginsDir))
}

// LoginAccounts lists the accounts of one login.
func (w *Workspace) LoginAccounts(login string) ([]journal.AccountKey, error) {
	labels, err := listDirs(filepath.Join(w.Root, loginsDir, login, accountsDir))
	if err != nil {
		return nil, err
	}
	out := make([]journal.AccountKey, 0, len(labels))
	for _, l := range labels {
		out = append(out, journal.AccountKey{Login: login, Label: l})
	}
	return out, nil
}

// Accounts lists every login account in the workspace.
func (w *Workspace) Accounts() ([]journal.AccountKey, error) {
	logins, err := w.Logins()
	if err != nil {
		return nil, err
	}
	var out []journal.AccountKey
	for _, login := range logins {
		accts, err := w.LoginAccounts(login)
		if err != nil {
			return nil, err
		}
		out = append(out, accts...)
	}
	return out, nil
}

// AccountConfig is the per-account settings file.
type AccountConfig struct {
	// Account is the journal-side account name used for synthesized postings.
	Account string `toml:"account"`
	// GLAccount is the general-ledger account this login account reconciles into.
	GLAccount string `toml:"gl_account,omitempty"`
	// Extractor names the extractor used when re-deriving; empty means the
	// document sidecar's extension name.
	Extractor string `toml:"extractor,omitempty"`
}

// DefaultAccountName is used until an account config names one.
func DefaultAccountName(key journal.AccountKey) string {
	return "Assets:" + key.Login + ":" + key.Label
}

// ReadAccountConfig returns the account config, with defaults when the file
// does not exist yet.
func (w *Workspace) ReadAccountConfig(key journal.AccountKey) (AccountConfig, error) {
	cfg := AccountConfig{Account: DefaultAccountName(key)}
	path := filepath.Join(w.AccountDir(key), accountFile)
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return AccountConfig{}, fmt.Errorf("read account config %s: %w", key, err)
	}
	if cfg.Account == "" {
		cfg.Account = DefaultAccountName(key)
	}
	return cfg, nil
}

func (w *Workspace) WriteAccountConfig(key journal.AccountKey, cfg AccountConfig) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode account config: %w", err)
	}
	return journal.WriteFileAtomic(filepath.Join(w.AccountDir(key), accountFile), buf.Bytes(), 0o644)
}

// EnsureAccount creates the account directory tree.
func (w *Workspace) EnsureAccount(key journal.AccountKey) error {
	if err := validName(key.Login); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := validName(key.Label); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	return os.MkdirAll(w.DocumentsDir(key), 0o755)
}

func validName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\#`) || strings.HasPrefix(s, ".") {
		return fmt.Errorf("invalid name %q", s)
	}
	return nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
