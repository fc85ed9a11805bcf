package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/internal/config"
	"github.com/retracehq/retrace/internal/ingest"
)

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <url>",
	Short: "Queue a page for background indexing",
	Long: `Queue a page for background indexing.

The payload is the page text to index. Pages enqueued for the same URL
within a short window are merged into a single queue record.

Examples:
  retrace enqueue https://example.com/article --title "Article" --payload "full text here"
  cat page.txt | xargs -0 retrace enqueue https://example.com/article --title "Article" --payload`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		payload, _ := cmd.Flags().GetString("payload")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/enqueue", map[string]any{
			"url":         args[0],
			"title":       title,
			"description": description,
			"payload":     payload,
			"source":      "manual",
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s", result["id"])
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("title", "", "page title")
	enqueueCmd.Flags().String("description", "", "short page description")
	enqueueCmd.Flags().String("payload", "", "page text to index")
}

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember <url>",
	Short: "Fetch a page and queue it for indexing",
	Long: `Fetch a page (or read a local PDF) and queue it for indexing.

Examples:
  retrace remember https://example.com/article
  retrace remember https://example.com/report --pdf ./report.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pdfPath, _ := cmd.Flags().GetString("pdf")

		var page *ingest.Page
		var err error
		if pdfPath != "" {
			printStep("Extracting text from %s...", pdfPath)
			page, err = ingest.FromPDF(pdfPath)
			if err != nil {
				return fmt.Errorf("extracting PDF: %w", err)
			}
			page.URL = args[0]
		} else {
			printStep("Fetching %s...", args[0])
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			page, err = ingest.FromURL(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetching page: %w", err)
			}
		}

		if strings.TrimSpace(page.Text) == "" {
			return fmt.Errorf("no extractable text at %s", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/enqueue", map[string]any{
			"url":     page.URL,
			"title":   page.Title,
			"payload": page.Text,
			"source":  "manual",
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s (%d chars)", result["id"], len(page.Text))
		return nil
	},
}

func init() {
	rememberCmd.Flags().String("pdf", "", "read text from a local PDF instead of fetching the URL")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search your browsing history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		alpha, _ := cmd.Flags().GetFloat64("alpha")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		if cmd.Flags().Changed("alpha") {
			path += fmt.Sprintf("&alpha=%g", alpha)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var result struct {
			Groups []struct {
				URL     string  `json:"url"`
				Title   string  `json:"title"`
				Score   float64 `json:"score"`
				Snippet string  `json:"snippet"`
			} `json:"groups"`
			Stats struct {
				TotalChunksScanned int `json:"total_chunks_scanned"`
			} `json:"stats"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Groups) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, g := range result.Groups {
			title := g.Title
			if title == "" {
				title = g.URL
			}
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, title)), g.Score)
			fmt.Printf("  %s\n", colorize(colorCyan, g.URL))
			if g.Snippet != "" {
				fmt.Printf("  %s\n", g.Snippet)
			}
		}
		fmt.Printf("\nScanned %d chunks.\n", result.Stats.TotalChunksScanned)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().Float64("alpha", 0.6, "dense/sparse fusion weight in [0, 1]")
}

// --- pause / resume ---

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause background ingestion",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/pause", nil)
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Ingestion paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume background ingestion",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/resume", nil)
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Ingestion resumed")
		return nil
	},
}

// --- domains ---

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Manage the domain deny and allow lists",
}

var domainsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current domain lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/domains")
		if err != nil {
			return err
		}

		var lists struct {
			Deny  []string `json:"deny"`
			Allow []string `json:"allow"`
		}
		if err := decodeJSON(resp, &lists); err != nil {
			return err
		}

		if len(lists.Deny) == 0 && len(lists.Allow) == 0 {
			fmt.Println("No domain rules configured. All domains are indexed.")
			return nil
		}
		if len(lists.Deny) > 0 {
			fmt.Println(colorize(colorBold, "Deny:"))
			for _, d := range lists.Deny {
				fmt.Printf("  %s\n", d)
			}
		}
		if len(lists.Allow) > 0 {
			fmt.Println(colorize(colorBold, "Allow (only these are indexed):"))
			for _, d := range lists.Allow {
				fmt.Printf("  %s\n", d)
			}
		}
		return nil
	},
}

var domainsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the domain lists",
	Long: `Replace the domain lists.

Examples:
  retrace domains set --deny bank.example.com,mail.example.com
  retrace domains set --allow docs.example.com
  retrace domains set --deny "" --allow ""`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("deny") && !cmd.Flags().Changed("allow") {
			return fmt.Errorf("at least one of --deny or --allow is required")
		}
		denyStr, _ := cmd.Flags().GetString("deny")
		allowStr, _ := cmd.Flags().GetString("allow")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		// Keep the untouched list as-is.
		resp, err := client.get("/domains")
		if err != nil {
			return err
		}
		var current struct {
			Deny  []string `json:"deny"`
			Allow []string `json:"allow"`
		}
		if err := decodeJSON(resp, &current); err != nil {
			return err
		}

		if cmd.Flags().Changed("deny") {
			current.Deny = splitDomains(denyStr)
		}
		if cmd.Flags().Changed("allow") {
			current.Allow = splitDomains(allowStr)
		}

		putResp, err := client.put("/domains", current)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(putResp, &result); err != nil {
			return err
		}

		printSuccess("Domain lists updated (%d deny, %d allow)", len(current.Deny), len(current.Allow))
		return nil
	},
}

func splitDomains(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	domainsSetCmd.Flags().String("deny", "", "comma-separated domains to never index")
	domainsSetCmd.Flags().String("allow", "", "comma-separated domains; when set, only these are indexed")
	domainsCmd.AddCommand(domainsShowCmd)
	domainsCmd.AddCommand(domainsSetCmd)
}

// --- wipe ---

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all indexed history",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL indexed history. Use --confirm to proceed.")
			return nil
		}
		removeModel, _ := cmd.Flags().GetBool("remove-model")
		delay, _ := cmd.Flags().GetInt("delay")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/wipe", map[string]any{
			"remove_model":  removeModel,
			"delay_seconds": delay,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["status"] == "scheduled" {
			printSuccess("Wipe scheduled in %d seconds (run 'retrace wipe cancel' to abort)", delay)
		} else {
			printSuccess("All indexed history wiped")
		}
		return nil
	},
}

var wipeCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a scheduled wipe",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/wipe")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Scheduled wipe cancelled")
		return nil
	},
}

func init() {
	wipeCmd.Flags().Bool("confirm", false, "confirm the wipe")
	wipeCmd.Flags().Bool("remove-model", false, "also remove the embedding model from Ollama")
	wipeCmd.Flags().Int("delay", 0, "delay in seconds before the wipe runs")
	wipeCmd.AddCommand(wipeCancelCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
