// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package nixbin resolves Nix binaries on the local machine. The
// forked-daemon transport needs a nix-daemon executable; this package
// centralizes the lookup for the Determinate Nix installation pattern
// (PATH first, then /nix/var/nix/profiles/default/bin/).
package nixbin

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// determinateProfileBin is where Determinate Nix installs its
// binaries. The directory is outside PATH by default, so it is
// checked explicitly after the PATH lookup fails.
const determinateProfileBin = "/nix/var/nix/profiles/default/bin"

// Find resolves a Nix binary by name (e.g., "nix-daemon"), checking
// PATH first and then the standard Determinate Nix installation
// directory. Returns the absolute path to the binary.
func Find(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	determinatePath := filepath.Join(determinateProfileBin, name)
	if _, err := os.Stat(determinatePath); err == nil {
		return determinatePath, nil
	}

	return "", fmt.Errorf("%s not found on PATH or at %s", name, determinatePath)
}
