package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/studysync/syncengine/internal/client"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
	"github.com/studysync/syncengine/internal/service/syncservice"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List and manage registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var registerInfo device.RegisterInfo

var devicesRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register a new device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info := registerInfo
		info.Name = args[0]
		d, err := c.RegisterDevice(cmd.Context(), info)
		if err != nil {
			return err
		}
		return printJSON(d)
	},
}

var devicesDeactivateCmd = &cobra.Command{
	Use:   "deactivate DEVICE_ID",
	Short: "Deactivate a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeactivateDevice(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("device deactivated")
		return nil
	},
}

var pushDevice string

var pushCmd = &cobra.Command{
	Use:   "push FILE",
	Short: "Push a JSON array of changes ('-' reads stdin)",
	Long: `Push changes recorded on one device.

FILE holds a JSON array of changes:
  [{"table_name": "notes", "record_id": "n1", "operation": "UPDATE",
    "data": {"content": "...", "updated_at": "2024-03-01T10:00:00Z"}}]`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		var changes []syncservice.Change
		if err := json.NewDecoder(in).Decode(&changes); err != nil {
			return fmt.Errorf("decode changes: %w", err)
		}

		res, err := c.PushChanges(cmd.Context(), pushDevice, changes)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var (
	pullDevice string
	pullSince  string
	pullTables []string
	pullAll    bool
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull changes made by the user's other devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		opts := client.PullOptions{Tables: pullTables}
		if pullSince != "" {
			if opts.Since, err = time.Parse(time.RFC3339, pullSince); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
		}

		if pullAll {
			changes, err := c.PullAll(cmd.Context(), pullDevice, opts)
			if err != nil {
				return err
			}
			return printJSON(changes)
		}
		page, err := c.PullChanges(cmd.Context(), pullDevice, opts)
		if err != nil {
			return err
		}
		return printJSON(page)
	},
}

var (
	conflictsResolved string
	conflictsSeverity string
	conflictsLimit    int
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve sync conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := client.ConflictQuery{Severity: conflict.Severity(conflictsSeverity), Limit: conflictsLimit}
		switch conflictsResolved {
		case "":
		case "true", "false":
			b := conflictsResolved == "true"
			q.Resolved = &b
		default:
			return fmt.Errorf("--resolved must be true or false")
		}
		list, err := c.ListConflicts(cmd.Context(), q)
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sc, err := c.GetConflict(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(sc)
	},
}

var (
	resolveStrategy string
	resolveFields   string
	resolveSave     bool
	resolvePreview  bool
)

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Resolve a conflict with a strategy",
	Long: `Resolve a conflict. --fields takes a JSON object of per-field choices:
  {"front_text": "remote", "difficulty": {"choice": "custom", "value": 4}}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		strategy, err := conflict.ParseStrategy(resolveStrategy)
		if err != nil {
			return err
		}
		req := client.ResolveRequest{Strategy: strategy, SaveAsPreference: resolveSave}
		if resolveFields != "" {
			if err := json.Unmarshal([]byte(resolveFields), &req.FieldResolutions); err != nil {
				return fmt.Errorf("--fields: %w", err)
			}
		}

		if resolvePreview {
			p, err := c.PreviewConflict(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(p)
		}
		res, err := c.ResolveConflict(cmd.Context(), args[0], req)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var conflictsBatchCmd = &cobra.Command{
	Use:   "batch-resolve ID...",
	Short: "Resolve several conflicts with one strategy",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		strategy, err := conflict.ParseStrategy(resolveStrategy)
		if err != nil {
			return err
		}
		res, err := c.BatchResolve(cmd.Context(), args, strategy, resolveSave)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var conflictsAutoCmd = &cobra.Command{
	Use:   "auto-resolve",
	Short: "Resolve all low-severity auto-resolvable conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		n, err := c.AutoResolve(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("resolved %d conflicts\n", n)
		return nil
	},
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss ID",
	Short: "Delete a conflict without resolving it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DismissConflict(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("conflict dismissed")
		return nil
	},
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show conflict resolution preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.GetPreferences(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set PATCH_JSON",
	Short: "Apply a partial preference update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var patch syncservice.PreferencesPatch
		if err := json.Unmarshal([]byte(args[0]), &patch); err != nil {
			return fmt.Errorf("decode patch: %w", err)
		}
		p, err := c.UpdatePreferences(cmd.Context(), patch)
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sync statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show sync health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(h)
	},
}

func init() {
	f := devicesRegisterCmd.Flags()
	f.StringVar((*string)(&registerInfo.Type), "type", string(device.TypeMobile), "Device type (mobile, tablet, web)")
	f.StringVar(&registerInfo.Platform, "platform", "cli", "Platform")
	f.StringVar(&registerInfo.AppVersion, "app-version", version, "App version")
	devicesCmd.AddCommand(devicesRegisterCmd, devicesDeactivateCmd)

	pushCmd.Flags().StringVar(&pushDevice, "device", "", "Device the changes were made on")
	_ = pushCmd.MarkFlagRequired("device")

	pullCmd.Flags().StringVar(&pullDevice, "device", "", "Device pulling changes")
	pullCmd.Flags().StringVar(&pullSince, "since", "", "Only changes after this RFC3339 time")
	pullCmd.Flags().StringSliceVar(&pullTables, "tables", nil, "Restrict to these tables")
	pullCmd.Flags().BoolVar(&pullAll, "all", false, "Follow cursors until the feed is drained")
	_ = pullCmd.MarkFlagRequired("device")

	conflictsCmd.Flags().StringVar(&conflictsResolved, "resolved", "", "Filter by resolved state (true or false)")
	conflictsCmd.Flags().StringVar(&conflictsSeverity, "severity", "", "Filter by severity")
	conflictsCmd.Flags().IntVar(&conflictsLimit, "limit", 0, "Page size")

	for _, c := range []*cobra.Command{conflictsResolveCmd, conflictsBatchCmd} {
		c.Flags().StringVar(&resolveStrategy, "strategy", string(conflict.LastWriteWins), "Resolution strategy")
		c.Flags().BoolVar(&resolveSave, "save", false, "Remember the strategy for the conflict's table")
	}
	conflictsResolveCmd.Flags().StringVar(&resolveFields, "fields", "", "Per-field choices as JSON")
	conflictsResolveCmd.Flags().BoolVar(&resolvePreview, "preview", false, "Preview without persisting")
	conflictsCmd.AddCommand(conflictsShowCmd, conflictsResolveCmd, conflictsBatchCmd, conflictsAutoCmd, conflictsDismissCmd)

	prefsCmd.AddCommand(prefsSetCmd)
}
