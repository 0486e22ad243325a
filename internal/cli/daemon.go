package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CollabSync/CollabSync/internal/config"
	"github.com/CollabSync/CollabSync/internal/service"
)

var daemonSignalNotify = signal.Notify
var daemonSignalStop = signal.Stop

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the synchronization service in the foreground",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	printHeader("🔄 CollabSync Daemon")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc := service.New(cfg)
	fmt.Printf("Instance: %s\n", svc.InstanceID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.InitializeSync(ctx); err != nil {
		return fmt.Errorf("initialize sync: %w", err)
	}

	st := svc.GetSyncStatus(ctx)
	fmt.Printf("Subsystems operational: %s\n", st.Degraded())
	if hub := svc.Orchestrator().Hub(); hub != nil && hub.Running() {
		fmt.Printf("Transport: listening on %s\n", hub.Addr())
	}
	fmt.Println("Status:  Running (Ctrl+C to stop)")

	sigChan := make(chan os.Signal, 1)
	daemonSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer daemonSignalStop(sigChan)

	<-sigChan
	fmt.Println("\nShutting down…")
	if err := svc.ShutdownSync(context.Background()); err != nil {
		return fmt.Errorf("shutdown sync: %w", err)
	}
	fmt.Println("Status:  Stopped")
	return nil
}
