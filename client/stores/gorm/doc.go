//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based implementation of client.CredentialStore.
// It supports any database that GORM supports (SQLite, PostgreSQL, MySQL, etc.)
// and suits clients that already keep local state in a database file.
//
// # Database Schema
//
// The package auto-migrates one table:
//   - client_credentials: one access/refresh pair per profile
//
// # Usage
//
//	db, _ := gorm.Open(sqlite.Open("dogquiz.db"), &gorm.Config{})
//	_ = gormstore.AutoMigrate(db)
//	store := gormstore.NewCredentialStore(db, "default")
package gorm
