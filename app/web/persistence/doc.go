// Package persistence keeps the history of proxied calls in SQLite (WAL mode) through sqlx.
// Records are appended by the event processor of the web server and removed by the
// scheduled cleanup.
package persistence
