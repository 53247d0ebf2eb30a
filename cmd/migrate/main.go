package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"fedsync/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./fedsync.db", "Path to the database file")
	flag.Parse()

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		log.Fatalf("Failed to create schema_version table: %v", err)
	}

	var current int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}

	if current >= len(migrations.Migrations) {
		fmt.Println("Schema is up to date, nothing to apply")
		return
	}

	for i := current; i < len(migrations.Migrations); i++ {
		version := i + 1
		fmt.Printf("Applying migration %d/%d...\n", version, len(migrations.Migrations))

		tx, err := db.Begin()
		if err != nil {
			log.Fatalf("Failed to begin transaction: %v", err)
		}
		if _, err := tx.Exec(migrations.Migrations[i]); err != nil {
			tx.Rollback()
			log.Fatalf("Failed to apply migration %d: %v", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			log.Fatalf("Failed to record migration %d: %v", version, err)
		}
		if err := tx.Commit(); err != nil {
			log.Fatalf("Failed to commit migration %d: %v", version, err)
		}
	}

	fmt.Println("Database schema updated. You can now restart fedsync.")
}
