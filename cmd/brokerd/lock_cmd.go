package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/brokerd"
	"pkt.systems/brokerd/internal/lockmgr"
)

func newLockCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and release resource locks directly in the store",
	}
	cmd.AddCommand(newLockStatusCommand(v, baseLogger))
	cmd.AddCommand(newLockReleaseCommand(v, baseLogger))
	return cmd
}

// openLocks builds a server over the configured store without starting it and
// registers the lock kind so lookups work on a fresh store.
func openLocks(ctx context.Context, v *viper.Viper, baseLogger pslog.Logger) (*brokerd.Server, func(), error) {
	logger, cfg, err := loadServerConfig(v, baseLogger)
	if err != nil {
		return nil, nil, err
	}
	cfg.AdminListen = ""
	srv, err := brokerd.NewServer(cfg, brokerd.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := srv.Locks().RegisterSchema(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return srv, closeFn, nil
}

type lockStatusOutput struct {
	ResourceID  string        `json:"resourceId"`
	WriteLocked bool          `json:"writeLocked"`
	Lock        *lockmgr.Lock `json:"lock,omitempty"`
	Handle      string        `json:"handle,omitempty"`
}

func newLockStatusCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <resource-id>",
		Short: "Show whether a resource is write-locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			srv, closeFn, err := openLocks(ctx, v, baseLogger)
			if err != nil {
				return err
			}
			defer closeFn()
			status, err := srv.Locks().CheckWriteLockStatus(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				payload := lockStatusOutput{ResourceID: args[0], WriteLocked: status.WriteLocked, Lock: status.Lock}
				if status.Lock != nil {
					payload.Handle = status.Lock.Version
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}
			switch {
			case status.Lock == nil:
				_, err = fmt.Fprintf(out, "%s: unlocked\n", args[0])
			case !status.WriteLocked:
				_, err = fmt.Fprintf(out, "%s: expired lock from %s (%s, acquired %s)\n",
					args[0], status.Lock.Owner, status.Lock.Details.Operation, humanize.Time(status.Lock.LockTime))
			default:
				_, err = fmt.Fprintf(out, "%s: locked by %s for %s since %s\nhandle: %s\n",
					args[0], status.Lock.Owner, status.Lock.Details.Operation, humanize.Time(status.Lock.LockTime), status.Lock.Version)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func newLockReleaseCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	var handle string
	cmd := &cobra.Command{
		Use:   "release <resource-id>",
		Short: "Release a lock using the handle returned when it was acquired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if strings.TrimSpace(handle) == "" {
				return fmt.Errorf("--handle is required (see 'brokerd lock status %s')", args[0])
			}
			ctx := cmd.Context()
			srv, closeFn, err := openLocks(ctx, v, baseLogger)
			if err != nil {
				return err
			}
			defer closeFn()
			err = srv.Locks().Unlock(ctx, args[0], handle)
			switch {
			case errors.Is(err, lockmgr.ErrNotLocked):
				return fmt.Errorf("%s is not locked", args[0])
			case errors.Is(err, lockmgr.ErrHandleMismatch):
				return fmt.Errorf("handle does not match the current lock on %s", args[0])
			case err != nil:
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "lock handle (record version) to release")
	return cmd
}
