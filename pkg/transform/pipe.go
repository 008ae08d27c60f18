// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package transform

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
)

func newCmd(ctx context.Context, command []string, quiet bool) *exec.Cmd {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	if quiet {
		cmd.Stderr = nil
	}
	return cmd
}

func isBrokenPipe(err error) bool {
	return err != nil && strings.Contains(err.Error(), "broken pipe")
}

type lineScanner struct {
	s *bufio.Scanner
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{s: bufio.NewScanner(r)}
}

func (l *lineScanner) Scan() bool    { return l.s.Scan() }
func (l *lineScanner) Text() string  { return l.s.Text() }
