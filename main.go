package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabfab/thesis-rag/config"
	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/thesis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	cfg    config.Config
	logger logging.Logger
	asJSON bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "thesis-rag",
		Short:        "Semantic search and chat over a collection of academic theses",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.cfg = cfg
			c.logger = logging.New(cfg.LogLevel, cmd.ErrOrStderr())
			return nil
		},
	}
	root.SetOut(os.Stdout)
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		c.serveCmd(),
		c.ingestCmd(),
		c.searchCmd(),
		c.similarCmd(),
		c.tagCmd(),
		c.chatCmd(),
		c.suggestCmd(),
		c.summarizeCmd(),
		c.clearCmd(),
	)
	return root
}

// open wires the app under a context cancelled by SIGINT or SIGTERM.
func (c *cli) open(cmd *cobra.Command, requireLLM bool) (context.Context, *app, func(), error) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	a, err := openApp(ctx, c.cfg, c.logger, requireLLM)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, a, func() {
		a.Close()
		cancel()
	}, nil
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer done()

			if addr == "" {
				addr = c.cfg.HTTPAddr
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           a.server(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				c.logger.Info("listening on %s (%s store, %s/%s embeddings)", addr,
					c.cfg.StoreBackend, c.cfg.Embeddings.Provider, c.cfg.Embeddings.Model)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			c.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to HTTP_ADDR)")
	return cmd
}

func (c *cli) ingestCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load thesis records from JSON, JSONL, CSV and PDF files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer done()

			c.logger.Info("ingesting %s using %s/%s embeddings", dir,
				strings.ToUpper(c.cfg.Embeddings.Provider), c.cfg.Embeddings.Model)
			report, err := a.ingest.IngestDirectory(ctx, dir)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			cmd.Printf("files: %d (%d unreadable)\nrecords: %d\ningested: %d\nfailed: %d\n",
				report.Files, report.FailedFiles, report.Records, report.Ingested, report.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory containing thesis files")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		query     string
		limit     int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Semantic search over titles and abstracts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				query = args[0]
			}
			ctx, a, done, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer done()

			opts := a.engine.DefaultSearchOptions()
			if limit > 0 {
				opts.Limit = limit
			}
			if cmd.Flags().Changed("threshold") {
				opts.Threshold = threshold
			}
			results, err := a.engine.SearchText(ctx, query, opts)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return c.printScored(cmd, results)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "search text")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of results (defaults to SEARCH_LIMIT)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity (defaults to SEARCH_THRESHOLD)")
	return cmd
}

func (c *cli) similarCmd() *cobra.Command {
	var (
		id    string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "List theses most similar to a given one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer done()

			results, err := a.engine.FindSimilar(ctx, id, limit)
			if err != nil {
				return err
			}
			if err := c.printScored(cmd, results); err != nil {
				return err
			}
			if a.graph == nil || c.asJSON {
				return nil
			}
			related, err := a.graph.Related(ctx, id, limit)
			if err != nil {
				c.logger.Warn("related theses: %v", err)
				return nil
			}
			if len(related) > 0 {
				cmd.Println("Sharing tags:")
				for _, r := range related {
					cmd.Printf("  - %s (%s)\n", r.Title, strings.Join(r.SharedTags, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "thesis id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "maximum number of results")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func (c *cli) tagCmd() *cobra.Command {
	var (
		tag         string
		skip, limit int
	)
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Browse theses by tag, or list every tag when --tag is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer done()

			if strings.TrimSpace(tag) == "" {
				tags, err := a.engine.Tags(ctx)
				if err != nil {
					return err
				}
				if c.asJSON {
					return printJSON(cmd.OutOrStdout(), tags)
				}
				for _, t := range tags {
					cmd.Println(t)
				}
				return nil
			}

			docs, err := a.engine.SearchByTag(ctx, tag, skip, limit)
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), docs)
			}
			if len(docs) == 0 {
				cmd.Println("No theses found.")
				return nil
			}
			for i, doc := range docs {
				cmd.Printf("  [%d] %s\n      %s\n      Tags: %s\n", skip+i+1, doc.Title, doc.ID, strings.Join(doc.Tags, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "tag text to match")
	cmd.Flags().IntVar(&skip, "skip", 0, "results to skip")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "page size")
	return cmd
}

func (c *cli) chatCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions about the collection; without --message starts an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer done()

			if strings.TrimSpace(message) != "" {
				result, err := a.chat.ProcessMessage(ctx, message, nil)
				if err != nil {
					return fmt.Errorf("chat failed: %w", err)
				}
				return c.printChat(cmd, result)
			}

			var history thesis.History
			scanner := bufio.NewScanner(cmd.InOrStdin())
			cmd.Println("Ask about the thesis collection. Empty line or Ctrl-D to quit.")
			for {
				cmd.Print("> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					break
				}
				result, err := a.chat.ProcessMessage(ctx, line, history)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					cmd.PrintErrf("error: %v\n", err)
					continue
				}
				history = result.History
				if err := c.printChat(cmd, result); err != nil {
					return err
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "single message to answer")
	return cmd
}

func (c *cli) suggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest",
		Short: "Print starter questions based on popular tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer done()

			questions := a.chat.SuggestedQuestions(ctx)
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), questions)
			}
			for _, q := range questions {
				cmd.Println("  - " + q)
			}
			return nil
		},
	}
}

func (c *cli) summarizeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize one thesis in plain language",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer done()

			summary, err := a.chat.Summarize(ctx, id)
			if err != nil {
				return err
			}
			cmd.Println(summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "thesis id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func (c *cli) clearCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every ingested thesis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				cmd.Print("This will permanently delete every ingested thesis. Continue? [y/N]: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					cmd.Println("clear aborted")
					return scanner.Err()
				}
				answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
				if answer != "y" && answer != "yes" {
					cmd.Println("clear aborted")
					return nil
				}
			}

			ctx, a, done, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer done()
			return a.clear(ctx)
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}

func (c *cli) printScored(cmd *cobra.Command, results []thesis.ScoredDocument) error {
	if c.asJSON {
		return printJSON(cmd.OutOrStdout(), results)
	}
	if len(results) == 0 {
		cmd.Println("No results found.")
		return nil
	}
	for i, r := range results {
		cmd.Printf("  [%d] %s (%.3f)\n", i+1, r.Title, r.Score)
		cmd.Printf("      %s\n", r.ID)
		if len(r.Tags) > 0 {
			cmd.Printf("      Tags: %s\n", strings.Join(r.Tags, ", "))
		}
	}
	return nil
}

func (c *cli) printChat(cmd *cobra.Command, result thesis.ChatResult) error {
	if c.asJSON {
		return printJSON(cmd.OutOrStdout(), result)
	}
	cmd.Println(result.Answer)
	if len(result.Sources) > 0 {
		cmd.Println()
		cmd.Println("Sources:")
		for i, src := range result.Sources {
			cmd.Printf("%d. %s (%.2f)\n", i+1, src.Title, src.Score)
		}
	}
	cmd.Println()
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
