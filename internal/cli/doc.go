// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun command tree.
//
// Commands:
//
//   - ask: send one prompt and print the response
//   - chat: interactive session with live preference reload, optional
//     source watching (--watch) and a Prometheus endpoint (--metrics-addr)
//   - route: show the routing decision for a prompt without sending it
//   - config: show, get, set and list configuration keys
//   - usage: per-tier request and token totals from the usage ledger
//
// Every command accepts --config, --preference, --log-level, --quiet and
// --json. Commands return errors; Execute prints them and maps them to an
// exit code with ExitCode.
package cli
