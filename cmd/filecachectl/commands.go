package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/unkn0wn-root/filecache/codec"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY...",
		Short: "Print the live entries among KEY... as a JSON object",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			got, err := a.store.Fetch(cmd.Context(), args)
			if err != nil {
				return err
			}
			out := make(map[string]any, len(got))
			for k, v := range got {
				out[k] = jsonable(v)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newSetCmd(a *app) *cobra.Command {
	var (
		ttl    time.Duration
		asText bool
	)
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store VALUE (JSON unless --text) under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any = args[1]
			if !asText {
				parsed, err := codec.JSON[any]{}.Decode([]byte(args[1]))
				if err != nil {
					return fmt.Errorf("value is not JSON (use --text for plain strings): %w", err)
				}
				v = parsed
			}
			lifetime := a.cfg.DefaultTTL
			if cmd.Flags().Changed("ttl") {
				lifetime = ttl
			}
			ok, err := a.store.Save(cmd.Context(), map[string]any{args[0]: v}, lifetime)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("could not save %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "entry lifetime; 0 never expires (default from config)")
	cmd.Flags().BoolVar(&asText, "text", false, "store VALUE as a plain string")
	return cmd
}

func newDelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "del KEY...",
		Short: "Delete entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed []string
			for _, k := range args {
				if !a.store.Delete(cmd.Context(), k) {
					failed = append(failed, k)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("could not delete %v", failed)
			}
			return nil
		},
	}
}

func newHaveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "have KEY",
		Short: "Print whether KEY has a live entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), a.store.Have(cmd.Context(), args[0]))
			return err
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.store.Prune(cmd.Context()) {
				return errors.New("prune incomplete; see log")
			}
			return nil
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.store.Clear(cmd.Context()) {
				return errors.New("clear incomplete; see log")
			}
			return nil
		},
	}
}

func newJanitorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Prune expired entries every prune_interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.PruneInterval <= 0 {
				return errors.New("janitor needs prune_interval > 0")
			}
			a.log.WithFields(logrus.Fields{
				"root":     a.store.Root(),
				"interval": a.cfg.PruneInterval.String(),
			}).Info("janitor started")
			<-cmd.Context().Done()
			a.log.Info("janitor stopping")
			return nil
		},
	}
}

// jsonable rewrites values JSON cannot encode directly: maps with
// non-string keys get their keys formatted, proto messages go through
// protojson.
func jsonable(v any) any {
	switch x := v.(type) {
	case proto.Message:
		b, err := protojson.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return json.RawMessage(b)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = jsonable(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonable(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = jsonable(e)
		}
		return out
	default:
		return v
	}
}
