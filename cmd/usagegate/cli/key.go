package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cubexhq/usagegate/internal/cache"
	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/quota"
	"github.com/cubexhq/usagegate/internal/service"
	"github.com/cubexhq/usagegate/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke the API keys workspaces use to authenticate usage.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// newKeyService wires a key service over the given store. CLI commands run in
// their own process, so a local memory cache is all the resolver needs.
func newKeyService(st *store.Store) *service.KeyService {
	resolver := quota.NewKeyResolver(st, cache.NewMemory(), hmacSecret(), quietLogger(), nil)
	return service.NewKeyService(st, resolver, quietLogger())
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		workspace string
		name      string
		test      bool
		expires   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for a workspace. The raw key is shown once and cannot be retrieved again.",
		Example: `  usagegate key create --workspace acme --name "production"
  usagegate key create --workspace ws_2f4a... --test --name "staging"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(workspace, name, test, expires)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace name, client id, or UUID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key")
	cmd.Flags().BoolVar(&test, "test", false, "Issue a test key (rate limited but never charged)")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry timestamp, RFC 3339 (never expires if omitted)")
	cmd.MarkFlagRequired("workspace")

	return cmd
}

func runKeyCreate(workspace, name string, test bool, expires string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	ws, err := resolveWorkspace(ctx, st, workspace)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if expires != "" {
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			return fmt.Errorf("invalid --expires value (want RFC 3339): %w", err)
		}
		expiresAt = &t
	}

	key, raw, err := newKeyService(st).IssueKey(ctx, ws.ID, name, test, expiresAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:       %s\n", raw)
	fmt.Printf("  Workspace: %s\n", ws.Name)
	if key.Name != "" {
		fmt.Printf("  Name:      %s\n", key.Name)
	}
	if key.IsTestKey {
		fmt.Println("  Type:      test (requests are never charged)")
	}
	if expiresAt != nil {
		fmt.Printf("  Expires:   %s\n", expiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		workspace  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a workspace's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(workspace, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace name, client id, or UUID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("workspace")

	return cmd
}

func runKeyList(workspace string, jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	ws, err := resolveWorkspace(ctx, st, workspace)
	if err != nil {
		return err
	}

	keys, err := st.ListAPIKeysByWorkspace(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		ID      string `json:"id"`
		Prefix  string `json:"prefix"`
		Name    string `json:"name"`
		Test    bool   `json:"test"`
		Active  bool   `json:"active"`
		Revoked bool   `json:"revoked"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		rows[i] = keyRow{
			ID:      k.ID.String(),
			Prefix:  k.KeyPrefix,
			Name:    k.Name,
			Test:    k.IsTestKey,
			Active:  k.IsActive,
			Revoked: k.RevokedAt != nil,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys for this workspace. Use 'usagegate key create' to create one.")
		return nil
	}

	fmt.Printf("%-38s %-16s %-24s %-6s %-8s\n", "ID", "PREFIX", "NAME", "TEST", "STATUS")
	fmt.Printf("%-38s %-16s %-24s %-6s %-8s\n", "--", "------", "----", "----", "------")
	for _, k := range rows {
		status := "active"
		if k.Revoked {
			status = "revoked"
		} else if !k.Active {
			status = "inactive"
		}
		test := ""
		if k.Test {
			test = "yes"
		}
		fmt.Printf("%-38s %-16s %-24s %-6s %-8s\n", k.ID, k.Prefix, k.Name, test, status)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "revoke <id-or-prefix>",
		Short: "Revoke an API key",
		Long:  "Deactivate an API key, preventing any further usage validation with that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(workspace, args[0])
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace name, client id, or UUID (required)")
	cmd.MarkFlagRequired("workspace")

	return cmd
}

func runKeyRevoke(workspace, ref string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	ws, err := resolveWorkspace(ctx, st, workspace)
	if err != nil {
		return err
	}

	keys, err := st.ListAPIKeysByWorkspace(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	var matched *model.APIKey
	for i := range keys {
		if keys[i].ID.String() == ref || strings.HasPrefix(keys[i].KeyPrefix, ref) {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		return fmt.Errorf("no API key found matching %q", ref)
	}

	if err := newKeyService(st).RevokeKey(ctx, ws.ID, matched.ID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %s (%s)\n", matched.ID, matched.KeyPrefix)
	return nil
}
