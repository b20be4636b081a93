// Package main provides the urlverify CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/richinex/urlverify/cli"
	"github.com/richinex/urlverify/verifier"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	provider   string
	configPath string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "urlverify",
		Short: "Check URL accessibility and answer questions about page content",
		Long: `A tool that fetches web pages, checks they are reachable and asks an LLM
whether a page answers a query. One record is kept per (URL, query) pair;
repeated checks return the stored record unless --force is given.

Results can be reconciled across several independent runs with
VERIFIER_VALIDATORS (see the verifier section of the config file).`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(providersCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func options() cli.Options {
	return cli.Options{
		Provider:   provider,
		ConfigPath: configPath,
		Verbose:    verbose,
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the verification HTTP API",
		Long: `Serve the verification HTTP API:

  POST /api/verifications            verify {"url","query","force_refresh"}
  GET  /api/verifications            list (category, search, url_prefix, newest_first, limit)
  GET  /api/verifications/summary    counts per category
  GET  /api/verifications/lookup     stored record for ?url=&query=
  GET  /api/verifications/stream     websocket of committed records
  GET  /api/health`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Serve(cmd.Context(), addr, options())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default SERVER_ADDR or :8080)")

	return cmd
}

func verifyCmd() *cobra.Command {
	var query string
	var force bool

	cmd := &cobra.Command{
		Use:   "verify [url]",
		Short: "Verify a URL, optionally answering a query about its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Verify(cmd.Context(), args[0], query, force, options(), os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Question to answer from the page content")
	cmd.Flags().BoolVar(&force, "force", false, "Re-verify even if a record exists")

	return cmd
}

func listCmd() *cobra.Command {
	var category string
	var search string
	var prefix string
	var newest bool
	var limit int
	var summary bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored verifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := verifier.ParseCategory(category)
			if err != nil {
				return err
			}
			f := verifier.Filter{
				Category:    c,
				Search:      search,
				URLPrefix:   prefix,
				NewestFirst: newest,
				Limit:       limit,
			}
			return cli.List(cmd.Context(), f, summary, options(), os.Stdout)
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Filter by category (accessible, inaccessible, no-content)")
	cmd.Flags().StringVar(&search, "search", "", "Case-insensitive text search")
	cmd.Flags().StringVar(&prefix, "prefix", "", "URL prefix (scheme optional)")
	cmd.Flags().BoolVar(&newest, "newest", false, "Newest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to show (0 = all)")
	cmd.Flags().BoolVar(&summary, "summary", false, "Show counts per category instead of records")

	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported LLM providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli.ListProviders(os.Stdout)
			return nil
		},
	}
}
