package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/cloudkv/internal/app/storage"
	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/defaults"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/postgres"
	"github.com/stacklok/cloudkv/internal/sync/coordinator"
)

// openDefaults opens the configured store for a single command
func openDefaults(ctx context.Context) (*defaults.Defaults, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	factory, err := storage.NewStorageFactory(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create storage factory: %w", err)
	}
	store, err := factory.CreateStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := coordinator.OptionsFromConfig(cfg.Sync)
	if persistence := factory.CreateStatusPersistence(); persistence != nil {
		opts = append(opts, coordinator.WithStatusPersistence(persistence, cfg.GetStoreName()))
	}
	return defaults.New(store, opts...), cfg, nil
}

// flushAndClose makes local writes durable before closing
func flushAndClose(ctx context.Context, d *defaults.Defaults, w io.Writer) error {
	if !d.Flush(ctx) {
		_, _ = fmt.Fprintln(w, "warning: store rejected the flush, changes may not be durable")
	}
	return d.Close()
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := openDefaults(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			value, ok, err := d.Value(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			out, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode value: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store VALUE under KEY",
		Long: `Store VALUE under KEY. Without --type the value is parsed as JSON and
stored as a string when it is not valid JSON. Data values are given in base64.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := cmd.Flags().GetString("type")
			if err != nil {
				return err
			}
			value, err := parseValue(typ, args[1])
			if err != nil {
				return err
			}

			d, _, err := openDefaults(cmd.Context())
			if err != nil {
				return err
			}
			if err := d.SetValue(cmd.Context(), args[0], value); err != nil {
				_ = d.Close()
				return err
			}
			return flushAndClose(cmd.Context(), d, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().String("type", "", "Value type: bool, int, double, string, data, json, set")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm KEY",
		Aliases: []string{"remove"},
		Short:   "Remove KEY",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := openDefaults(cmd.Context())
			if err != nil {
				return err
			}
			if err := d.Remove(cmd.Context(), args[0]); err != nil {
				_ = d.Close()
				return err
			}
			return flushAndClose(cmd.Context(), d, cmd.ErrOrStderr())
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush the store and wait for the initial cloud sync",
		Long: `Flush the store and, unless the initial cloud sync is already known to have
completed, wait for it up to the configured timeout. Prints the sync status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			d, _, err := openDefaults(ctx)
			if err != nil {
				return err
			}

			if err := d.Sync(ctx); err != nil {
				_ = d.Close()
				return fmt.Errorf("sync interrupted: %w", err)
			}
			out, err := json.MarshalIndent(d.SyncStatus(), "", "  ")
			if err != nil {
				_ = d.Close()
				return fmt.Errorf("failed to encode status: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return flushAndClose(context.WithoutCancel(ctx), d, cmd.ErrOrStderr())
		},
	}
}

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify REASON [KEY...]",
		Short: "Publish a change event to the postgres change feed",
		Long: `Publish a change event on the postgres LISTEN/NOTIFY channel, as the cloud
replicator does. REASON is one of server-change, initial-sync, quota-violation
or account-change, or a numeric reason code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := parseReason(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.GetType() != config.StorageTypePostgres {
				return fmt.Errorf("notify requires postgres storage, configured storage is %s", cfg.Storage.GetType())
			}

			factory, err := storage.NewDatabaseFactory(cfg)
			if err != nil {
				return err
			}
			store, err := factory.CreateStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			pg, ok := store.(*postgres.Store)
			if !ok {
				return fmt.Errorf("unexpected store type %T", store)
			}
			if err := pg.Publish(cmd.Context(), kv.ChangeEvent{Reason: reason, Keys: args[1:]}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", reason)
			return nil
		},
	}
	return cmd
}

// parseReason accepts reason names and numeric codes
func parseReason(s string) (kv.ChangeReason, error) {
	if code, err := strconv.Atoi(s); err == nil {
		return kv.ChangeReason(code), nil
	}
	return kv.ParseChangeReason(s)
}

// parseValue converts a command line argument into a store value
func parseValue(typ, raw string) (any, error) {
	switch typ {
	case "bool":
		return strconv.ParseBool(raw)
	case "int":
		return strconv.ParseInt(raw, 10, 64)
	case "double":
		return strconv.ParseFloat(raw, 64)
	case "string":
		return raw, nil
	case "data":
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("data value must be base64: %w", err)
		}
		return data, nil
	case "set":
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		slices.Sort(items)
		return slices.Compact(items), nil
	case "json", "":
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			if typ == "json" {
				return nil, fmt.Errorf("invalid JSON value: %q", raw)
			}
			return raw, nil
		}
		return kv.Normalize(v)
	default:
		return nil, fmt.Errorf("unknown value type %q", typ)
	}
}
