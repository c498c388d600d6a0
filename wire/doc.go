// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the binary protocol shared by the tracing client
// library and the traced collector: the chunk header that prefixes every
// shared-memory chunk, and the tagged message records packed behind it.
//
// All integers are little-endian and all records are packed — one tag
// byte immediately followed by the payload fields with no padding. The
// layout is a protocol constant on both sides of the chunk hand-off;
// changing any record size requires bumping Version.
package wire
