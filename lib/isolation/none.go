// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"context"
	"os/exec"
)

// None runs argv directly with no boundary.
type None struct{}

var _ Isolator = None{}

func (None) Name() string { return KindNone }

func (None) Command(ctx context.Context, argv []string, env []string) (*exec.Cmd, error) {
	if err := requireCommand(argv); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	return cmd, nil
}

func (None) SetupFailed(Failure) bool { return false }
