package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/clvecadd/internal/server"
	"github.com/cwbudde/clvecadd/internal/store"
)

var (
	serveAddr    string
	kernelDir    string
	serveNoStore bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Long: `Starts an HTTP API that runs vector-add jobs in the background on the
selected driver. Jobs share the device and run one at a time; completed runs
are saved to the configured store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&kernelDir, "kernel-dir", ".", "Directory job kernel paths resolve against")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "Do not persist completed jobs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	drv, err := openDriver()
	if err != nil {
		return err
	}

	var st store.Store
	if !serveNoStore {
		if st, err = openStore(); err != nil {
			return err
		}
		defer st.Close()
	}

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv := server.NewServer(server.Options{
		Addr:       addr,
		Driver:     drv,
		Store:      st,
		KernelDir:  kernelDir,
		MaxJobs:    cfg.Server.MaxJobs,
		JobTimeout: cfg.Server.JobTimeout,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
