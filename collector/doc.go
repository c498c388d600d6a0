// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector is the daemon side of the traced pipeline. It
// listens on the control socket for chunk announcements, maps each
// announced chunk read-only, decodes its records, and streams Chrome
// Trace Event JSON to an output sink.
//
// Each control connection gets its own goroutine and its own string
// table; announcements from one client are processed strictly in
// order, so a string registered in an earlier chunk is always visible
// to records in later chunks from the same client. The sink serializes
// concurrent writers internally.
//
// Per-client errors never take the daemon down: a malformed header, an
// unknown tag, or a truncated record abandons that chunk (logged) and
// the client keeps going.
package collector
