package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/syndrdb-bulkload/emulator"
)

func newEmulatorCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Serve the bulk procedures from a local bbolt file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.Emulator.Listen = listen
			}
			srv, store, err := a.openEmulator()
			if err != nil {
				return err
			}
			defer store.Close()

			a.out.info("emulator listening on %s (store %s, procedures %v)", srv.Addr(), store.Path(), []string{emulator.ProcedureBulkUpload, emulator.ProcedureBulkDelete})

			served := make(chan error, 1)
			go func() { served <- srv.Serve() }()

			select {
			case err := <-served:
				return err
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			if err := <-served; !errors.Is(err, emulator.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}
