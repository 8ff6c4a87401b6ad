// Package migration provides database schema migration management for
// PostgreSQL, MySQL, and SQLite, built on golang-migrate.
//
// SQL migration files for each dialect are embedded via embed.FS; Migrator
// wraps a golang-migrate instance behind Up/Down/DownAll/Steps/Goto/Force/
// Version/Status/Info/Close. CLI wraps a Migrator with formatted output
// for cmd/relaygate's "migrate" subcommand.
package migration
