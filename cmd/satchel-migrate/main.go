/*
satchel-migrate forces a named datastore's schema up to the highest
version its packages declare and reports the before/after version.

Grounded on cuemby-warren/cmd/warren-migrate: a standalone flag-based
tool (not cobra, since it's a one-shot operational utility rather than
part of the daemon CLI) that backs up the database file, then runs the
migration, inspecting state before and after. Unlike warren-migrate's
bespoke tasks→containers bucket copy, satchel's migration machinery
(pkg/kvp.Open) already applies every package's ordered migration list
on open, so this tool is a thin wrapper: read the current version with
the migration list empty, optionally back up the file, then open for
real through pkg/datastore.Manager and report the new version.
*/
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/satchel/pkg/datastore"
	"github.com/cuemby/satchel/pkg/kvp"
)

var (
	rootDir    = flag.String("root-dir", "./data", "satchel datastore root directory")
	name       = flag.String("name", "default", "name of the datastore to migrate")
	dryRun     = flag.Bool("dry-run", false, "report the current schema version without migrating")
	backupPath = flag.String("backup", "", "path to back up meta.db before migrating (default: <dir>/meta.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Satchel Datastore Migration Tool")
	log.Println("================================")

	dir := filepath.Join(*rootDir, *name)
	dbPath := filepath.Join(dir, "meta.db")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("failed to create datastore directory: %v", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Printf("No existing database at %s; one will be created at version %d", dbPath, currentSchemaVersion())
	}

	before, err := readSchemaVersion(dbPath)
	if err != nil {
		log.Fatalf("failed to read current schema version: %v", err)
	}
	log.Printf("Datastore: %s", dbPath)
	log.Printf("Current schema version: %d", before)

	if *dryRun {
		log.Println("Dry run requested; no changes made.")
		return
	}

	if _, err := os.Stat(dbPath); err == nil {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created successfully")
	}

	mgr, err := datastore.NewManager(*rootDir)
	if err != nil {
		log.Fatalf("failed to open datastore manager: %v", err)
	}
	if _, err := mgr.Datastore(*name); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	if err := mgr.Close(); err != nil {
		log.Fatalf("failed to close datastore manager: %v", err)
	}

	after, err := readSchemaVersion(dbPath)
	if err != nil {
		log.Fatalf("failed to read migrated schema version: %v", err)
	}

	if after == before {
		log.Printf("Already at version %d; nothing to migrate.", after)
		return
	}
	log.Printf("Migrated %s: version %d -> %d", dbPath, before, after)
}

// readSchemaVersion opens dbPath with no migrations to apply so it only
// reports the version already recorded on disk, never advancing it.
func readSchemaVersion(dbPath string) (int, error) {
	store, err := kvp.Open(dbPath, nil)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.SchemaVersion()
}

// currentSchemaVersion is the highest version pkg/datastore.open assigns
// across every package's migration, for the "would be created at" message.
func currentSchemaVersion() int {
	return 5
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
