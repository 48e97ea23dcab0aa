// Package main is tombctl, the operator CLI for the cascade engine.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tombstone/internal/app"
	"tombstone/internal/config"
	appctx "tombstone/internal/core/context"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/http/v1/dto"
	"tombstone/pkg/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp loads the environment configuration and opens the engine.
// The caller must defer a.Close().
func newApp(cmd *cobra.Command) (context.Context, *app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	log := logger.NewNop()
	if verbose {
		if log, err = logger.New(logger.Config{Level: "debug", Development: true, OutputPaths: []string{"stderr"}}); err != nil {
			return nil, nil, fmt.Errorf("initializing logger: %w", err)
		}
	}

	actor, _ := cmd.Flags().GetString("actor")
	ctx := logger.WithLogger(cmd.Context(), log)
	ctx = appctx.WithActor(ctx, &appctx.Actor{Name: actor, Source: "cli"})

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}
	return ctx, a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks on the terminal before an irreversible action. Without a
// terminal the action needs --yes.
func confirm(cmd *cobra.Command, prompt string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("refusing to %s without --yes when stdin is not a terminal", prompt)
	}
	fmt.Fprintf(os.Stderr, "This will %s and cannot be undone. Continue? [y/N] ", prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	return fmt.Errorf("aborted")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return appctx.SystemActor
}

var rootCmd = &cobra.Command{
	Use:           "tombctl",
	Short:         "Cascade deletion and restoration",
	SilenceUsage:  true,
}

var validateCmd = &cobra.Command{
	Use:   "validate <type> <id>",
	Short: "Show why an entity cannot be deleted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		reasons, err := a.Service.Validate(ctx, cascade.Ref{Type: args[0], ID: dto.ParseID(args[1])})
		if err != nil {
			return err
		}
		if reasons == nil {
			reasons = []string{}
		}
		return printJSON(dto.ValidationResponse{
			EntityType: args[0],
			ID:         args[1],
			Deletable:  len(reasons) == 0,
			Reasons:    reasons,
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Cascade-delete an entity and print its manifest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Service.Delete(ctx, cascade.Ref{Type: args[0], ID: dto.ParseID(args[1])}, reason)
		if err != nil {
			return err
		}
		return printJSON(dto.FromManifest(*m))
	},
}

var bulkDeleteCmd = &cobra.Command{
	Use:   "bulk-delete <type> <id>...",
	Short: "Delete many entities of one type, each on its own",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ids := make([]any, len(args)-1)
		for i, s := range args[1:] {
			ids[i] = dto.ParseID(s)
		}
		result := a.Service.BulkDelete(ctx, args[0], ids, reason, bulkOptions(a, concurrency))
		if err := printJSON(result); err != nil {
			return err
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d of %d deletions failed", len(result.Failed), len(ids))
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <deletion-key>",
	Short: "Restore a deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.Service.Restore(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(r)
	},
}

var bulkRestoreCmd = &cobra.Command{
	Use:   "bulk-restore <deletion-key>...",
	Short: "Restore many deletions, each on its own",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.Service.BulkRestore(ctx, args, bulkOptions(a, concurrency))
		if err := printJSON(result); err != nil {
			return err
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d of %d restores failed", len(result.Failed), len(args))
		}
		return nil
	},
}

// manifests command
var manifestsCmd = &cobra.Command{
	Use:   "manifests",
	Short: "Inspect deletion manifests",
}

var manifestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deletions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var f dto.ManifestFilter
		f.EntityType, _ = cmd.Flags().GetString("type")
		f.RootID, _ = cmd.Flags().GetString("root-id")
		f.DeletedBy, _ = cmd.Flags().GetString("deleted-by")
		f.Before, _ = cmd.Flags().GetString("before")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		f.Offset, _ = cmd.Flags().GetInt("offset")
		filter, err := f.ToFilter()
		if err != nil {
			return err
		}

		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.Service.ListManifests(ctx, filter)
		if err != nil {
			return err
		}
		return printJSON(dto.FromManifests(list))
	},
}

var manifestsShowCmd = &cobra.Command{
	Use:   "show <deletion-key>",
	Short: "Show one deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Service.GetManifest(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(dto.FromManifest(*m))
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <deletion-key>",
	Short: "Permanently discard a deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := confirm(cmd, "permanently discard deletion "+args[0]); err != nil {
			return err
		}

		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		purged, err := a.Service.PurgePermanent(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(dto.PurgeResponse{DeletionKey: args[0], Purged: purged})
	},
}

var purgeExpiredCmd = &cobra.Command{
	Use:   "purge-expired",
	Short: "Permanently discard every deletion older than --max-age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetDuration("max-age")
		if maxAge <= 0 {
			return fmt.Errorf("--max-age must be positive")
		}
		if err := confirm(cmd, "discard every deletion older than "+maxAge.String()); err != nil {
			return err
		}

		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Service.PurgeExpired(ctx, maxAge)
		if perr := printJSON(dto.PurgeExpiredResponse{Purged: n}); perr != nil {
			return perr
		}
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <type> <id>",
	Short: "Show the audit trail of an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.History(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No audit events found.")
			return nil
		}
		for _, e := range events {
			fmt.Printf("%s  %-16s %-12s %s\n", e.OccurredAt.Format(time.RFC3339), e.Action, e.Actor, e.DeletionKey)
		}
		return nil
	},
}

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List configured entity types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, def := range a.Registry.List() {
			tiers, blockers := 0, 0
			if def.Cascade != nil {
				tiers, blockers = len(def.Cascade.SnapshotOrder), len(def.Cascade.Blockers)
			}
			fmt.Printf("%-20s table=%s pk=%s tiers=%d blockers=%d\n", def.Type, def.Table, def.PrimaryKey, tiers, blockers)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, a, err := newApp(cmd)
		if err != nil {
			return err
		}
		a.Close()
		fmt.Println("Migrations applied.")
		return nil
	},
}

func bulkOptions(a *app.App, concurrency int) cascade.BulkOptions {
	opts := a.BulkOptions()
	if concurrency > 0 {
		opts.Concurrency = concurrency
	}
	return opts
}

func init() {
	rootCmd.PersistentFlags().String("actor", defaultActor(), "Name recorded as the actor of mutations")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().String("reason", "", "Why the entity is deleted")

	rootCmd.AddCommand(bulkDeleteCmd)
	bulkDeleteCmd.Flags().String("reason", "", "Why the entities are deleted")
	bulkDeleteCmd.Flags().IntP("concurrency", "c", 0, "Items processed at once (default from config)")

	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(bulkRestoreCmd)
	bulkRestoreCmd.Flags().IntP("concurrency", "c", 0, "Items processed at once (default from config)")

	rootCmd.AddCommand(manifestsCmd)
	manifestsCmd.AddCommand(manifestsListCmd)
	manifestsCmd.AddCommand(manifestsShowCmd)
	manifestsListCmd.Flags().String("type", "", "Root entity type")
	manifestsListCmd.Flags().String("root-id", "", "Root entity id")
	manifestsListCmd.Flags().String("deleted-by", "", "Actor who deleted")
	manifestsListCmd.Flags().String("before", "", "Only deletions before this RFC 3339 time")
	manifestsListCmd.Flags().IntP("limit", "n", 50, "Maximum number of manifests to show")
	manifestsListCmd.Flags().Int("offset", 0, "Manifests to skip")

	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(purgeExpiredCmd)
	purgeExpiredCmd.Flags().Duration("max-age", 0, "Age above which deletions are discarded, e.g. 720h")
	purgeExpiredCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(migrateCmd)
}
