// Command approvalctl submits documents to approval workflows and records
// stage decisions against the configured store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/workflow"
)

func main() {
	if err := NewApp().Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode returns 2 for a refused decision and 1 for an operational failure.
func exitCode(err error) int {
	if workflow.IsExpected(err) {
		return 2
	}
	return 1
}
