package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tunnels",
	Long:  `List all SSH tunnels on the server with their current state.`,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	serverURL := viper.GetString("server")
	url := fmt.Sprintf("%s/api/v1/tunnels", serverURL)

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to list tunnels: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to list tunnels: %s", string(body))
	}

	var tunnels []map[string]interface{}
	if err := json.Unmarshal(body, &tunnels); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if len(tunnels) == 0 {
		fmt.Println("No active tunnels")
		return nil
	}

	// Print table
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tCREATED")
	fmt.Fprintln(w, "──\t────\t────\t─────\t───────")

	for _, tunnel := range tunnels {
		id, _ := tunnel["id"].(string)
		name, _ := tunnel["name"].(string)
		ttype, _ := tunnel["type"].(string)
		state, _ := tunnel["status"].(string)

		var created time.Time
		if createdAt, ok := tunnel["createdAt"].(string); ok {
			created, _ = time.Parse(time.RFC3339, createdAt)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(id, 8),
			name,
			ttype,
			state,
			created.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()

	fmt.Printf("\nTotal: %d tunnel(s)\n", len(tunnels))

	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
