package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CollabSync/CollabSync/internal/config"
	"github.com/CollabSync/CollabSync/internal/mode"
	"github.com/CollabSync/CollabSync/internal/service"
)

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Inspect and switch collaboration modes",
}

var modeStateCmd = &cobra.Command{
	Use:   "state <user>",
	Short: "Show a user's current mode and switch targets",
	Args:  cobra.ExactArgs(1),
	RunE:  runModeState,
}

var modeSwitchCmd = &cobra.Command{
	Use:   "switch <user> <local|external|hybrid>",
	Short: "Switch a user's collaboration mode",
	Args:  cobra.ExactArgs(2),
	RunE:  runModeSwitch,
}

var modeHistoryCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Show a user's recent mode transitions",
	Args:  cobra.ExactArgs(1),
	RunE:  runModeHistory,
}

var modeHistoryLimit int

func init() {
	modeHistoryCmd.Flags().IntVar(&modeHistoryLimit, "limit", 20, "maximum transitions to show")
	modeCmd.AddCommand(modeStateCmd)
	modeCmd.AddCommand(modeSwitchCmd)
	modeCmd.AddCommand(modeHistoryCmd)
}

// modeService builds a service with only the store connected, so mode
// commands operate on the same state the daemon persists.
func modeService(ctx context.Context, userID string) (*service.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	svc := service.New(cfg)
	if st := svc.Orchestrator().Store(); st != nil {
		if err := st.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		if err := svc.RestoreUser(ctx, userID); err != nil {
			return nil, fmt.Errorf("restore user state: %w", err)
		}
	}
	return svc, nil
}

func runModeState(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := modeService(ctx, args[0])
	if err != nil {
		return err
	}

	view, err := svc.GetState(ctx, args[0])
	if err != nil {
		return err
	}

	printHeader("🧭 Mode State")
	fmt.Printf("User:    %s\n", args[0])
	fmt.Printf("Current: %s (v%d)\n", color.GreenString(string(view.Current)), view.SyncVersion)
	if view.Previous != nil {
		fmt.Printf("Previous: %s\n", *view.Previous)
	}
	fmt.Println("Available:")
	for _, am := range view.Available {
		marker := "✓"
		detail := ""
		if !am.CanActivate {
			marker = "✗"
			detail = " (" + am.Reason + ")"
		}
		fmt.Printf("  %s %s%s\n", marker, am.Mode, detail)
	}
	return nil
}

func runModeSwitch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	userID, target := args[0], mode.Mode(args[1])

	svc, err := modeService(ctx, userID)
	if err != nil {
		return err
	}

	res, err := svc.SwitchMode(ctx, userID, target, nil)
	if err != nil {
		return err
	}

	printHeader("🧭 Mode Switch")
	from := "-"
	if res.TransitionRecord.FromMode != nil {
		from = string(*res.TransitionRecord.FromMode)
	}
	fmt.Printf("User:   %s\n", userID)
	fmt.Printf("Switch: %s → %s (%dms)\n", from, res.NewState.Mode, res.TransitionRecord.DurationMs)
	fmt.Printf("Version: %d\n", res.NewState.SyncVersion)
	return nil
}

func runModeHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := modeService(ctx, args[0])
	if err != nil {
		return err
	}

	history, err := svc.GetTransitionHistory(ctx, args[0], modeHistoryLimit)
	if err != nil {
		return err
	}

	printHeader("🧾 Transition History")
	if len(history) == 0 {
		fmt.Println("No transitions recorded.")
		return nil
	}
	for _, t := range history {
		from := "-"
		if t.FromMode != nil {
			from = string(*t.FromMode)
		}
		outcome := color.GreenString("ok")
		if !t.Success {
			outcome = color.RedString("failed: " + t.ErrorMessage)
		}
		fmt.Printf("%s  %s → %s  %s  %s\n",
			t.Timestamp.Format("2006-01-02 15:04:05"), from, t.ToMode,
			strconv.FormatInt(t.DurationMs, 10)+"ms", outcome)
	}
	return nil
}
