package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "neuralfeed",
		Short:        "Score, deduplicate, cluster and answer questions over content feeds",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "neuralfeed.yaml", "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newIngestCmd(&configPath),
		newAskCmd(&configPath),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with MCP over SSE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			server := a.apiServer()
			server.AddMCPServer(a.mcpServer().GetMCPServer())
			return server.Serve(ctx)
		},
	}
}

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("mcp stdio server starting")
			return a.mcpServer().Serve()
		},
	}
}

func newIngestCmd(configPath *string) *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Run one batch from a JSON file and print the report",
		Long:  "The file holds either a JSON array of items or an object with an \"items\" array.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readBatch(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.runner.Run(ctx, items)
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if top <= 0 {
				return nil
			}

			digest, err := a.runner.Digest(ctx, report.ID, top)
			if err != nil {
				return err
			}
			return printJSON(cmd, digest)
		},
	}
	cmd.Flags().IntVar(&top, "digest", 0, "also print a digest of the top N items")
	return cmd
}

func newAskCmd(configPath *string) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from indexed content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			answer, err := a.rag.Ask(cmd.Context(), conversationID, strings.Join(args, " "))
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, answer.Text)
			for _, c := range answer.Citations {
				fmt.Fprintf(out, "[%d] %s (%s) %s\n", c.Marker, c.Title, c.Source, c.URL)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID for follow-up questions")
	return cmd
}

// readBatch accepts a bare array or {"items": [...]}
func readBatch(path string) ([]*models.ContentItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	var items []*models.ContentItem
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}

	var wrapped struct {
		Items []*models.ContentItem `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse batch %s: %w", path, err)
	}
	return wrapped.Items, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
