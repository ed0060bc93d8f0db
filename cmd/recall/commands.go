package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/recallkb/recall/internal/api"
	"github.com/recallkb/recall/internal/config"
	"github.com/recallkb/recall/internal/kb"
)

func splitTags(tagsStr string) []string {
	if tagsStr == "" {
		return nil
	}
	tags := strings.Split(tagsStr, ",")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}
	return tags
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a knowledge entry",
	Long: `Add a knowledge entry.

Examples:
  recall add --kind fact --title "Deploy window" --body "Deploys happen Tuesdays" --tags ops
  recall add --kind procedure --file ./runbook.pdf --tags runbook
  recall add --kind fact --url https://example.com/article --tags research`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		file, _ := cmd.Flags().GetString("file")
		pageURL, _ := cmd.Flags().GetString("url")
		tagsStr, _ := cmd.Flags().GetString("tags")
		confidence, _ := cmd.Flags().GetFloat64("confidence")
		expires, _ := cmd.Flags().GetString("expires")

		switch {
		case body != "":
		case file != "":
			content, err := readContent(file)
			if err != nil {
				return err
			}
			body = content
			if title == "" {
				title = file
			}
		case pageURL != "":
			pageTitle, text, err := fetchURL(cmd.Context(), pageURL)
			if err != nil {
				return err
			}
			body = text
			if title == "" {
				title = pageTitle
			}
		default:
			return fmt.Errorf("one of --body, --file, or --url is required")
		}

		req := api.EntryRequest{
			Kind:       kind,
			Title:      title,
			Body:       body,
			Tags:       splitTags(tagsStr),
			Confidence: confidence,
			ExpiresAt:  expires,
			Source:     "cli",
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/entries", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored entry %s", result["id"])
		return nil
	},
}

func init() {
	addCmd.Flags().String("kind", "fact", "entry kind (fact, procedure, heuristic, constraint, pattern)")
	addCmd.Flags().String("title", "", "entry title")
	addCmd.Flags().String("body", "", "entry body text")
	addCmd.Flags().String("file", "", "file to read body text from (.pdf extracted)")
	addCmd.Flags().String("url", "", "URL to fetch body text from")
	addCmd.Flags().String("tags", "", "comma-separated tags")
	addCmd.Flags().Float64("confidence", 0.8, "confidence in [0,1]")
	addCmd.Flags().String("expires", "", "expiry timestamp (RFC3339)")
}

// --- get ---

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a single entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/entries/"+args[0])
		if err != nil {
			return err
		}

		var entry any
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge registry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		kind, _ := cmd.Flags().GetString("kind")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		if kind != "" {
			path += "&kind=" + url.QueryEscape(kind)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []struct {
			Entry    kb.ExportedEntry `json:"entry"`
			Score    float64          `json:"score"`
			Strategy string           `json:"strategy"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [%s, score: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("%d. %s", i+1, r.Entry.ID)),
				r.Strategy, r.Score)
			if r.Entry.Title != "" {
				fmt.Printf("  %s\n", colorize(colorCyan, r.Entry.Title))
			}
			if len(r.Entry.Tags) > 0 {
				fmt.Printf("  Tags: %s\n", strings.Join(r.Entry.Tags, ", "))
			}
			body := r.Entry.Body
			if len(body) > 500 {
				body = body[:500] + "..."
			}
			if body != "" {
				fmt.Printf("  %s\n", body)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("kind", "", "restrict results to one kind")
}

// --- related ---

var relatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "List entries related to the given entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/entries/%s/related?limit=%d", args[0], limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var entries []kb.ExportedEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No related entries found.")
			return nil
		}

		for _, e := range entries {
			title := e.Title
			if len(title) > 80 {
				title = title[:80] + "..."
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, e.ID), e.Kind, title)
		}
		return nil
	},
}

func init() {
	relatedCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- rm ---

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/entries/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed entry %s", args[0])
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries by tag or kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		tagsStr, _ := cmd.Flags().GetString("tags")
		matchAll, _ := cmd.Flags().GetBool("all")
		kind, _ := cmd.Flags().GetString("kind")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		for _, tag := range splitTags(tagsStr) {
			q.Add("tag", tag)
		}
		if matchAll {
			q.Set("match", "all")
		}
		if kind != "" {
			q.Set("kind", kind)
		}

		path := "/entries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var entries []kb.ExportedEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No entries found.")
			return nil
		}

		for _, e := range entries {
			title := e.Title
			if len(title) > 80 {
				title = title[:80] + "..."
			}
			fmt.Printf("%s  %-10s  %s\n", colorize(colorCyan, e.ID), e.Kind, title)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("tags", "", "comma-separated tags to filter by")
	listCmd.Flags().Bool("all", false, "require all tags to match instead of any")
	listCmd.Flags().String("kind", "", "kind to filter by")
}

// --- tags ---

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List all tags with entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var stats map[string]int
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		fmt.Printf("%d entries, %d tags\n", stats["entries"], stats["tags"])
		return nil
	},
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cleanup", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d expired entries", result["removed"])
		return nil
	},
}

// --- export / import ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all entries as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/export")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		var writer io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		if _, err := io.Copy(writer, resp.Body); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported to %s", output)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import entries from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading import file: %w", err)
		}

		var payload []json.RawMessage
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("invalid import file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/import", payload)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported %d entries", result["imported"])
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
}

// --- patterns ---

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage learned patterns",
}

var patternsObserveCmd = &cobra.Command{
	Use:   "observe",
	Short: "Record an observed trigger/action pattern",
	RunE: func(cmd *cobra.Command, args []string) error {
		triggersStr, _ := cmd.Flags().GetString("triggers")
		actionsStr, _ := cmd.Flags().GetString("actions")
		tagsStr, _ := cmd.Flags().GetString("tags")

		triggers := splitTags(triggersStr)
		actions := splitTags(actionsStr)
		if len(triggers) == 0 || len(actions) == 0 {
			return fmt.Errorf("both --triggers and --actions are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := api.ObserveRequest{Triggers: triggers, Actions: actions, Tags: splitTags(tagsStr)}
		resp, err := client.post(cmd.Context(), "/patterns/observe", req)
		if err != nil {
			return err
		}

		var entry kb.ExportedEntry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		printSuccess("Recorded pattern %s (confidence %.2f)", entry.ID, entry.Confidence)
		return nil
	},
}

var patternsOutcomeCmd = &cobra.Command{
	Use:   "outcome <id>",
	Short: "Record whether applying a pattern succeeded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		success, _ := cmd.Flags().GetBool("success")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/patterns/"+args[0]+"/outcome", map[string]bool{"success": success})
		if err != nil {
			return err
		}

		var entry kb.ExportedEntry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		if entry.Pattern != nil {
			printSuccess("Pattern %s: %d/%d successes", entry.ID, entry.Pattern.Successes, entry.Pattern.Occurrences)
		} else {
			printSuccess("Recorded outcome for %s", entry.ID)
		}
		return nil
	},
}

var patternsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove underperforming and stale patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/patterns/prune", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Pruned %d patterns", result["removed"])
		return nil
	},
}

func init() {
	patternsObserveCmd.Flags().String("triggers", "", "comma-separated trigger conditions")
	patternsObserveCmd.Flags().String("actions", "", "comma-separated actions")
	patternsObserveCmd.Flags().String("tags", "", "comma-separated tags")
	patternsOutcomeCmd.Flags().Bool("success", true, "whether the pattern worked")

	patternsCmd.AddCommand(patternsObserveCmd)
	patternsCmd.AddCommand(patternsOutcomeCmd)
	patternsCmd.AddCommand(patternsPruneCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Server.Token != "" {
			cfg.Server.Token = "(redacted)"
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(configPath, key, value); err != nil {
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
