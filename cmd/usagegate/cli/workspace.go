package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/store"
)

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage workspaces",
		Long:    "Create and list the tenant workspaces that own API keys and usage quotas.",
	}

	cmd.AddCommand(newWorkspaceCreateCmd())
	cmd.AddCommand(newWorkspaceListCmd())

	return cmd
}

// resolveWorkspace finds a workspace by client id (ws_...), UUID, or name.
func resolveWorkspace(ctx context.Context, st *store.Store, ref string) (*model.Workspace, error) {
	if id, err := model.ParseClientID(ref); err == nil {
		return st.GetWorkspace(ctx, id)
	}
	if id, err := uuid.Parse(ref); err == nil {
		return st.GetWorkspace(ctx, id)
	}
	workspaces, err := st.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	for i := range workspaces {
		if workspaces[i].Name == ref {
			return &workspaces[i], nil
		}
	}
	return nil, fmt.Errorf("workspace %q not found", ref)
}

// ---------- workspace create ----------

func newWorkspaceCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new workspace",
		Args:  cobra.ExactArgs(1),
		Example: `  usagegate workspace create acme
  usagegate key create --workspace acme --name production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkspaceCreate(args[0])
		},
	}

	return cmd
}

func runWorkspaceCreate(name string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ws := &model.Workspace{Name: name}
	if err := st.CreateWorkspace(context.Background(), ws); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	fmt.Println("Workspace created:")
	fmt.Println()
	fmt.Printf("  ID:        %s\n", ws.ID)
	fmt.Printf("  Name:      %s\n", ws.Name)
	fmt.Printf("  Client ID: %s\n", ws.ClientID())
	fmt.Println()
	fmt.Println("  The client ID is what API edge services pass as client_id.")
	return nil
}

// ---------- workspace list ----------

func newWorkspaceListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkspaceList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runWorkspaceList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	workspaces, err := st.ListWorkspaces(context.Background())
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}

	type wsRow struct {
		Name     string `json:"name"`
		ClientID string `json:"client_id"`
		Created  string `json:"created_at"`
	}

	rows := make([]wsRow, len(workspaces))
	for i, ws := range workspaces {
		rows[i] = wsRow{
			Name:     ws.Name,
			ClientID: ws.ClientID(),
			Created:  ws.CreatedAt.Format("2006-01-02"),
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No workspaces configured. Use 'usagegate workspace create' to create one.")
		return nil
	}

	fmt.Printf("%-24s %-38s %-12s\n", "NAME", "CLIENT ID", "CREATED")
	fmt.Printf("%-24s %-38s %-12s\n", "----", "---------", "-------")
	for _, ws := range rows {
		fmt.Printf("%-24s %-38s %-12s\n", ws.Name, ws.ClientID, ws.Created)
	}

	return nil
}
