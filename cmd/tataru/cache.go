package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/cache"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the translation cache",
	}

	var statsRemote remoteOptions
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statsRemote.addr != "" {
				ctx, client, closeConn, err := statsRemote.dial(cmd.Context())
				if err != nil {
					return err
				}
				defer func() { _ = closeConn() }()

				st, err := client.CacheStats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), st)
				return nil
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Cache, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			printStats(cmd.OutOrStdout(), store.Stats())
			return nil
		},
	}
	statsRemote.register(statsCmd)

	var clearRemote remoteOptions
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached translation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearRemote.addr != "" {
				ctx, client, closeConn, err := clearRemote.dial(cmd.Context())
				if err != nil {
					return err
				}
				defer func() { _ = closeConn() }()

				if err := client.ClearCache(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
				return nil
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Cache, logger)
			if err != nil {
				return err
			}

			store.Clear()
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
			return nil
		},
	}
	clearRemote.register(clearCmd)

	var types []string
	preloadCmd := &cobra.Command{
		Use:   "preload <dictionary>",
		Short: "Cache the phrases of a dictionary file for the configured engine and language",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}

			pairs, err := cache.LoadDictionary(args[0])
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Cache, logger)
			if err != nil {
				return err
			}

			textTypes := make([]tataru.TextType, 0, len(types))
			for _, t := range types {
				textTypes = append(textTypes, tataru.TextType(strings.TrimSpace(t)))
			}
			n := store.Preload(pairs, cfg.Translation.Engine, cfg.Translation.To, textTypes...)
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preloaded %d phrases for %s -> %s.\n", n, cfg.Translation.Engine, cfg.Translation.To)
			return nil
		},
	}
	preloadCmd.Flags().StringSliceVar(&types, "types", nil, "text types to key entries as (default sentence)")

	cmd.AddCommand(statsCmd, clearCmd, preloadCmd)
	return cmd
}

func printStats(w io.Writer, st cache.Stats) {
	fmt.Fprintf(w, "Entries:         %d / %d (%.1f%%)\n", st.Size, st.MaxSize, st.Usage*100)
	fmt.Fprintf(w, "Session entries: %d / %d\n", st.SessionSize, st.SessionMaxSize)
	fmt.Fprintf(w, "Hits:            %d (%.1f%%)\n", st.Hits, st.HitRate*100)
	fmt.Fprintf(w, "Session hits:    %d\n", st.SessionHits)
	fmt.Fprintf(w, "Misses:          %d\n", st.Misses)
	fmt.Fprintf(w, "Evictions:       %d\n", st.Evictions)
	fmt.Fprintf(w, "Promotions:      %d\n", st.Promotions)
	fmt.Fprintf(w, "Demotions:       %d\n", st.Demotions)
}
