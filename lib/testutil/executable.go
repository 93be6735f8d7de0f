// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Executable writes body as a /bin/sh script named name in a fresh
// temporary directory and returns its absolute path. The script header
// is added automatically.
//
//	nix := testutil.Executable(t, "nix", `echo "$@" >> "$CALLS"`)
func Executable(t *testing.T, name, body string) string {
	t.Helper()

	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("skipping: /bin/sh not available")
	}

	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing executable %s: %v", name, err)
	}
	return path
}
