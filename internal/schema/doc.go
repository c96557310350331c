// Package schema provides the typed data model for scriptsync:
// scripts and sentences from the content catalog, versioned
// sentence-to-timecode mappings, the append-only mapping edit trail,
// and ephemeral sync sessions.
//
// Every persisted row type carries a Validate method; the store refuses
// to write rows that fail validation.
package schema
