// Package gormstore implements the resilient.Store contract on top of
// any GORM-backed database, for client applications that already embed
// one (typically SQLite on device). State lands in a single key/value
// table created by AutoMigrate.
package gormstore
