package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/syndrdb-bulkload/client"
)

// newCheckCmd verifies that the endpoint accepts the handshake and answers a
// ping before any data is moved.
func newCheckCmd(a *app) *cobra.Command {
	var (
		f       runFlags
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Test the connection to the configured endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.applyRunFlags(cmd, &f)
			const total = 3

			a.out.header("Connection check")
			return a.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				a.out.step(1, total, fmt.Sprintf("handshake with server %s", s.client.ServerVersion()))

				start := time.Now()
				if err := s.client.Ping(ctx); err != nil {
					a.out.failure("ping failed")
					return err
				}
				a.out.step(2, total, fmt.Sprintf("ping answered in %dms", time.Since(start).Milliseconds()))

				if state := s.client.GetState(); state != client.CONNECTED {
					return fmt.Errorf("expected state %s, got %s", client.CONNECTED, state)
				}
				a.out.step(3, total, "session is "+client.CONNECTED.String())

				a.out.success("all checks passed (%d/%d)", total, total)
				if verbose {
					a.out.info("debug info:\n%s", s.client.DumpDebugInfoJSON())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&f.emulator, "emulator", false, "check against an in-process emulator")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print client debug info")
	return cmd
}
