// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

// Traced is the collector daemon. It listens on the control socket for
// chunk announcements from traced applications, decodes each chunk,
// and streams a Chrome Trace Event JSON document to stdout or a file.
// SIGINT (or SIGTERM) triggers a clean shutdown that completes the
// document.
package main
