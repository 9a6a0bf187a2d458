// Package persistence provides SQLite-backed storage for features, agent
// specs, acceptance specs, runs, events, and artifacts.
package persistence

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"autobuildr/pkg/logx"
)

// busyTimeoutMillis is the SQLite busy timeout applied to every connection.
const busyTimeoutMillis = 30000

// Database wraps the SQLite connection and exposes the typed operations.
// Its lifecycle is owned by the startup context: Open at startup, Close at
// shutdown. No package-level singleton.
type Database struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// Open opens (creating if needed) the project database at dbPath, applies
// pragmas and schema migrations, and returns the handle. The journal mode
// is WAL on local disks and DELETE on detected network filesystems.
func Open(dbPath string) (*Database, error) {
	journalMode := "WAL"
	if onNetworkFilesystem(dbPath) {
		journalMode = "DELETE"
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)",
		dbPath, journalMode, busyTimeoutMillis,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &Database{
		db:     db,
		path:   dbPath,
		logger: logx.NewLogger("persistence"),
	}
	d.logger.Info("database ready: %s (journal=%s)", dbPath, journalMode)
	return d, nil
}

// DB exposes the raw connection for callers that need transactions.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.db = nil
	return nil
}

// networkFilesystemTypes lists mount types where WAL is unsafe.
//
//nolint:gochecknoglobals // static lookup table
var networkFilesystemTypes = map[string]bool{
	"nfs":        true,
	"nfs4":       true,
	"cifs":       true,
	"smbfs":      true,
	"smb2":       true,
	"fuse.sshfs": true,
}

// onNetworkFilesystem reports whether dbPath resides on a network mount.
// Detection reads /proc/mounts and matches the longest mount-point prefix;
// platforms without /proc/mounts report false (WAL is used).
func onNetworkFilesystem(dbPath string) bool {
	if runtime.GOOS != "linux" {
		return false
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return false
	}

	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	bestLen := -1
	bestType := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if !strings.HasPrefix(abs, mountPoint) {
			continue
		}
		if mountPoint != "/" && !strings.HasPrefix(abs, mountPoint+string(os.PathSeparator)) && abs != mountPoint {
			continue
		}
		if len(mountPoint) > bestLen {
			bestLen = len(mountPoint)
			bestType = fsType
		}
	}

	return networkFilesystemTypes[bestType]
}
