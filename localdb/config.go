package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Upgrader brings the schema of a freshly opened store up to date. It's
// invoked once, with the Manager's write lock held, before the connection is
// made available to any other caller. If it fails the connection is closed.
type Upgrader func(ctx context.Context, conn *sql.Conn) error

// Config of a Manager.
type Config struct {
	Path               string        `long:"path" env:"PATH" description:"Path of the local database file"`
	TransactionFree    bool          `long:"transaction-free" env:"TRANSACTION_FREE" description:"Auto-commit every statement. Transactions may not be begun"`
	BusyTimeout        time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"30s" description:"Time to wait on a store locked by another connection. Negative disables"`
	JournalMode        string        `long:"journal-mode" env:"JOURNAL_MODE" description:"SQLite journal_mode (delete, truncate, persist, memory, wal, off). Empty uses the store default"`
	Synchronous        string        `long:"synchronous" env:"SYNCHRONOUS" description:"SQLite synchronous setting (off, normal, full, extra). Empty uses the store default"`
	PageCacheSize      int64         `long:"page-cache-size" env:"PAGE_CACHE_SIZE" description:"Size of the SQLite page cache, in bytes. Zero uses the store default"`
	TempStore          string        `long:"temp-store" env:"TEMP_STORE" description:"SQLite temp_store setting (default, file, memory)"`
	TempDir            string        `long:"temp-dir" env:"TEMP_DIR" description:"Directory of SQLite temporary files, global to the process. Empty uses the system default"`
	Pragmas            []string      `long:"pragma" env:"PRAGMAS" env-delim:"," description:"Additional connection pragma as name=value. May be repeated"`
	StatementCacheSize int           `long:"statement-cache-size" env:"STATEMENT_CACHE_SIZE" default:"64" description:"Number of prepared statements cached per connection. Zero disables"`

	// Upgrader, if set, is run when the store is first opened.
	Upgrader Upgrader `no-flag:"t"`
	// FS used to create the store's parent directory and inspect its file.
	// If nil, afero.NewOsFs() is used.
	FS       afero.Fs `no-flag:"t"`

	sharedCache bool // Open with SQLite shared-cache mode.
}

// DefaultBusyTimeout is used when Config.BusyTimeout is zero.
const DefaultBusyTimeout = 30 * time.Second

var (
	pragmaNameRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	pragmaValueRe = regexp.MustCompile(`^[A-Za-z0-9_\-.'"]+$`)

	journalModes = []string{"delete", "truncate", "persist", "memory", "wal", "off"}
	syncModes    = []string{"off", "normal", "full", "extra"}
	tempStores   = []string{"default", "file", "memory"}
)

// Validate returns an error if the Config is not well-formed.
func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return errors.New("expected Path")
	}
	if err := validateChoice("JournalMode", cfg.JournalMode, journalModes); err != nil {
		return err
	}
	if err := validateChoice("Synchronous", cfg.Synchronous, syncModes); err != nil {
		return err
	}
	if err := validateChoice("TempStore", cfg.TempStore, tempStores); err != nil {
		return err
	}
	if cfg.PageCacheSize < 0 {
		return errors.Errorf("invalid PageCacheSize (%d; expected >= 0)", cfg.PageCacheSize)
	}
	if cfg.StatementCacheSize < 0 {
		return errors.Errorf("invalid StatementCacheSize (%d; expected >= 0)", cfg.StatementCacheSize)
	}
	for _, p := range cfg.Pragmas {
		if _, _, err := parsePragma(p); err != nil {
			return err
		}
	}
	return nil
}

// uriValues are SQLite URI parameters used to open the store.
func (cfg *Config) uriValues() url.Values {
	var v = url.Values{}
	if cfg.sharedCache {
		v.Set("cache", "shared")
	}
	return v
}

// connectionPragmas returns PRAGMA statements applied to each newly opened
// connection, in order.
func (cfg *Config) connectionPragmas() []string {
	var out []string

	var busy = cfg.BusyTimeout
	if busy == 0 {
		busy = DefaultBusyTimeout
	}
	if busy > 0 {
		out = append(out, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	}
	if cfg.JournalMode != "" {
		out = append(out, "PRAGMA journal_mode = "+strings.ToUpper(cfg.JournalMode))
	}
	if cfg.Synchronous != "" {
		out = append(out, "PRAGMA synchronous = "+strings.ToUpper(cfg.Synchronous))
	}
	if cfg.PageCacheSize > 0 {
		// Negative cache_size values are in KiB rather than pages.
		out = append(out, fmt.Sprintf("PRAGMA cache_size = -%d", (cfg.PageCacheSize+1023)/1024))
	}
	if cfg.TempStore != "" {
		out = append(out, "PRAGMA temp_store = "+strings.ToUpper(cfg.TempStore))
	}
	for _, p := range cfg.Pragmas {
		var name, value, _ = parsePragma(p)
		out = append(out, fmt.Sprintf("PRAGMA %s = %s", name, value))
	}
	return out
}

// tempDirPragma returns the PRAGMA setting SQLite's directory of temporary
// files, or "" if the system default is used. The setting is global to the
// process.
func (cfg *Config) tempDirPragma() string {
	if cfg.TempDir == "" {
		return ""
	}
	return "PRAGMA temp_store_directory = '" + strings.ReplaceAll(cfg.TempDir, "'", "''") + "'"
}

func (cfg *Config) fs() afero.Fs {
	if cfg.FS == nil {
		return afero.NewOsFs()
	}
	return cfg.FS
}

func parsePragma(p string) (name, value string, err error) {
	var ind = strings.IndexByte(p, '=')
	if ind == -1 {
		return "", "", errors.Errorf("invalid pragma %q (expected name=value)", p)
	}
	name, value = strings.TrimSpace(p[:ind]), strings.TrimSpace(p[ind+1:])

	if !pragmaNameRe.MatchString(name) {
		return "", "", errors.Errorf("invalid pragma name %q", name)
	} else if !pragmaValueRe.MatchString(value) {
		return "", "", errors.Errorf("invalid pragma value %q", value)
	}
	return name, value, nil
}

func validateChoice(field, value string, choices []string) error {
	if value == "" {
		return nil
	}
	for _, c := range choices {
		if strings.EqualFold(c, value) {
			return nil
		}
	}
	return errors.Errorf("invalid %s %q (expected one of %v)", field, value, choices)
}
