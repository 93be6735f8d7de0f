// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for nixfs.
//
// Configuration comes from a single file named by the --config flag
// (via [LoadFile]) or the NIXFS_CONFIG environment variable (via
// [Load]). There is no automatic discovery. Without a file, [Default]
// applies: it reproduces the historical command-line defaults (backing
// root /true_nix, mount point /root/nix, nix at /bin/nix, substituter
// https://cache.nixos.org), so a bare "nixfs mount" behaves exactly as
// before. Command-line flags override file values.
//
// The file may contain development and production sections that
// override base values when [Config].Environment matches. Production
// defaults are stricter: the journal is fsynced after every record.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${NIXFS_ROOT}, ${NIXFS_STATE}, and ${VAR:-default} patterns
// are expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Nix, Store, Isolation,
//     Fetch, Journal, Mount, Heartbeat, Logging
//   - [Default] -- returns a Config with the historical defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every invalid field at once
//
// This package depends on no other nixfs packages.
package config
