package main

import (
	"context"
	"fmt"
	"os"

	"github.com/codr1/conveyor/internal/cli"
)

// Run executes the command tree and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	root := cli.NewRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "conveyor:", err)
		return cli.ExitCode(err)
	}
	return 0
}
