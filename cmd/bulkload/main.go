// Command bulkload seeds a document container through the bulkUpload stored
// procedure and purges it again through bulkDelete.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dan-strohschein/syndrdb-bulkload/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	cmd := newRootCmd(a)
	if err := cmd.ExecuteContext(ctx); err != nil {
		msg := err.Error()
		if a.debug {
			msg = client.FormatError(err, true)
		}
		newPrinter(cmd.ErrOrStderr()).failure("%s", msg)
		stop()
		os.Exit(1)
	}
}
