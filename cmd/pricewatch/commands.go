package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pricewatch/internal/config"
	"github.com/kalambet/pricewatch/internal/identity"
	"github.com/kalambet/pricewatch/internal/scheduler"
	"github.com/kalambet/pricewatch/internal/storage"
)

// --- cycle control ---

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a polling cycle on the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return triggerCycle(cmd.Context(), client)
	},
}

func triggerCycle(ctx context.Context, client *apiClient) error {
	resp, err := client.post(ctx, "/trigger", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		printWarning("A cycle is already running")
		return nil
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("Cycle started")
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler status and the last cycle's stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client)
	},
}

func showStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/status")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var st scheduler.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	state := "idle"
	if st.Running {
		state = colorize(colorCyan, "running")
	}
	printStatus("Cycle", "%s", state)
	printStatus("Interval", "%s", st.Interval)
	if st.LastRunAt != nil {
		printStatus("Last run", "%s (%dms)", st.LastRunAt.Format(time.RFC3339), st.LastDurationMs)
	} else {
		printStatus("Last run", "never")
	}
	if st.LastError != "" {
		printStatus("Last error", "%s", colorize(colorRed, st.LastError))
	}
	if s := st.LastStats; s != nil {
		printStatus("Queries", "%d/%d completed, %d failed", s.Completed, s.Total, s.Failed)
		printStatus("New items", "%d", s.NewItemsFound)
		printStatus("Price checks", "%d processed, %d failed, %d alerts", s.ItemsProcessed, s.PriceChecksFailed, s.AlertsEmitted)
		if s.RateLimitHits > 0 {
			printStatus("Rate limited", "%d", s.RateLimitHits)
		}
	}
	if st.NextRunAt != nil {
		printStatus("Next run", "%s", st.NextRunAt.Format(time.RFC3339))
	}
	return nil
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <interval>",
	Short: "Change the polling interval, e.g. 10m",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := time.ParseDuration(args[0]); err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/schedule", map[string]string{"interval": args[0]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Interval set to %s", args[0])
		return nil
	},
}

// --- queries ---

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Manage tracked searches",
}

var queryAddCmd = &cobra.Command{
	Use:   "add <keywords>",
	Short: "Track a keyword search",
	Long: `Track a keyword search. New listings matching it are tracked automatically.

Examples:
  pricewatch query add --owner alice "mechanical keyboard" --max 120
  pricewatch query add --owner bob "film camera" --condition used --format auction`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}
		condition, _ := cmd.Flags().GetString("condition")
		format, _ := cmd.Flags().GetString("format")

		body := map[string]any{
			"owner_id":      owner,
			"keywords":      strings.Join(args, " "),
			"condition":     condition,
			"buying_format": format,
		}
		if cmd.Flags().Changed("min") {
			v, _ := cmd.Flags().GetFloat64("min")
			body["min_price"] = v
		}
		if cmd.Flags().Changed("max") {
			v, _ := cmd.Flags().GetFloat64("max")
			body["max_price"] = v
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queries", body)
		if err != nil {
			return err
		}
		var q storage.TrackedQuery
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		printSuccess("Tracking query %s", q.ID)
		return nil
	},
}

var queryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's tracked searches",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queries?owner="+url.QueryEscape(owner))
		if err != nil {
			return err
		}
		var queries []storage.TrackedQuery
		if err := decodeJSON(resp, &queries); err != nil {
			return err
		}
		if len(queries) == 0 {
			fmt.Println("No queries found.")
			return nil
		}
		for _, q := range queries {
			fmt.Println(formatQuery(q))
		}
		return nil
	},
}

func formatQuery(q storage.TrackedQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %q", colorize(colorCyan, shortID(q.ID)), q.Keywords)
	if q.MinPrice != nil || q.MaxPrice != nil {
		lo, hi := "*", "*"
		if q.MinPrice != nil {
			lo = fmt.Sprintf("%.2f", *q.MinPrice)
		}
		if q.MaxPrice != nil {
			hi = fmt.Sprintf("%.2f", *q.MaxPrice)
		}
		fmt.Fprintf(&b, "  [%s..%s]", lo, hi)
	}
	if q.Condition != "" {
		fmt.Fprintf(&b, "  %s", q.Condition)
	}
	if q.BuyingFormat != "" {
		fmt.Fprintf(&b, "  %s", q.BuyingFormat)
	}
	if !q.Active {
		b.WriteString("  (inactive)")
	}
	return b.String()
}

var queryRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Stop tracking a search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/queries/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Query %s deactivated", args[0])
		return nil
	},
}

func init() {
	queryAddCmd.Flags().String("owner", "", "owner ID")
	queryAddCmd.Flags().Float64("min", 0, "minimum price")
	queryAddCmd.Flags().Float64("max", 0, "maximum price")
	queryAddCmd.Flags().String("condition", "", "listing condition, e.g. new or used")
	queryAddCmd.Flags().String("format", "", "buying format, e.g. auction or fixed_price")
	queryListCmd.Flags().String("owner", "", "owner ID")
	queryListCmd.MarkFlagRequired("owner")

	queryCmd.AddCommand(queryAddCmd)
	queryCmd.AddCommand(queryListCmd)
	queryCmd.AddCommand(queryRemoveCmd)
}

// --- items ---

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage tracked listings",
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's tracked listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/items?owner="+url.QueryEscape(owner))
		if err != nil {
			return err
		}
		var items []storage.TrackedItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No items found.")
			return nil
		}
		for _, it := range items {
			fmt.Println(formatItem(it))
		}
		return nil
	},
}

func formatItem(it storage.TrackedItem) string {
	title := it.Title
	if len(title) > 60 {
		title = title[:60] + "..."
	}
	line := fmt.Sprintf("%s  %s  %s", colorize(colorCyan, shortID(it.ID)), formatPrice(it.CurrentPrice, it.Currency), title)
	if it.TargetPrice != nil {
		line += fmt.Sprintf("  target %.2f", *it.TargetPrice)
	}
	if it.LowestPrice > 0 && it.LowestPrice < it.CurrentPrice {
		line += fmt.Sprintf("  low %.2f", it.LowestPrice)
	}
	return line
}

var itemHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show an item's price history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/items/%s/history?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}
		var samples []storage.PriceSample
		if err := decodeJSON(resp, &samples); err != nil {
			return err
		}
		for _, s := range samples {
			mark := ""
			if s.IsDrop {
				mark = colorize(colorGreen, fmt.Sprintf("  -%.2f", s.DropAmount))
			}
			fmt.Printf("%s  %s%s\n", s.RecordedAt.Format(time.RFC3339), formatPrice(s.Price, s.Currency), mark)
		}
		return nil
	},
}

var itemTargetCmd = &cobra.Command{
	Use:   "target <id> [price]",
	Short: "Set or clear an item's target price",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"target_price": nil}
		if len(args) == 2 {
			var v float64
			if _, err := fmt.Sscanf(args[1], "%g", &v); err != nil {
				return fmt.Errorf("invalid price %q", args[1])
			}
			body["target_price"] = v
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/items/"+url.PathEscape(args[0])+"/target", body)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Target updated")
		return nil
	},
}

func init() {
	itemListCmd.Flags().String("owner", "", "owner ID")
	itemListCmd.MarkFlagRequired("owner")
	itemHistoryCmd.Flags().Int("limit", 20, "maximum number of samples")

	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemHistoryCmd)
	itemCmd.AddCommand(itemTargetCmd)
}

// --- owners ---

var ownerCmd = &cobra.Command{
	Use:   "owner",
	Short: "Link marketplace accounts",
}

var ownerAuthURLCmd = &cobra.Command{
	Use:   "auth-url <owner>",
	Short: "Print the consent URL an owner visits to link their account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Identity.ClientID == "" || cfg.Identity.AuthURL == "" {
			return fmt.Errorf("identity.client_id and identity.auth_url must be set")
		}
		p := identity.New(identity.Config{
			ClientID:    cfg.Identity.ClientID,
			AuthURL:     cfg.Identity.AuthURL,
			TokenURL:    cfg.Identity.TokenURL,
			RedirectURL: cfg.Identity.RedirectURL,
			Scopes:      cfg.Identity.ScopeList(),
		}, nil)
		fmt.Println(p.AuthCodeURL(args[0]))
		return nil
	},
}

var ownerLinkCmd = &cobra.Command{
	Use:   "link <owner> <code>",
	Short: "Exchange an authorization code and store the owner's credential",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/owners/"+url.PathEscape(args[0])+"/credentials", map[string]string{"code": args[1]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Linked %s", args[0])
		return nil
	},
}

var ownerUnlinkCmd = &cobra.Command{
	Use:   "unlink <owner>",
	Short: "Remove an owner's credential and stop tracking for them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/owners/"+url.PathEscape(args[0])+"/credentials")
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Unlinked %s", args[0])
		return nil
	},
}

var ownerAlertsCmd = &cobra.Command{
	Use:   "alerts <owner>",
	Short: "Show an owner's recent alert deliveries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/owners/"+url.PathEscape(args[0])+"/alerts")
		if err != nil {
			return err
		}
		var records []json.RawMessage
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

func init() {
	ownerCmd.AddCommand(ownerAuthURLCmd)
	ownerCmd.AddCommand(ownerLinkCmd)
	ownerCmd.AddCommand(ownerUnlinkCmd)
	ownerCmd.AddCommand(ownerAlertsCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
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
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Config file", "%s", config.ConfigFilePath())
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
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
