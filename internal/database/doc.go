// Package database provides PostgreSQL connection pool setup.
//
// The broker only talks to PostgreSQL when the event journal is enabled;
// see package audit.
package database
