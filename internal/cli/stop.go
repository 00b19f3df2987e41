package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var deleteTunnel bool

var stopCmd = &cobra.Command{
	Use:   "stop [tunnel-id-or-name]",
	Short: "Stop a tunnel",
	Long: `Stop an active SSH tunnel, keeping its configuration so it can be
restarted later. Pass --delete to remove it from the server entirely.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&deleteTunnel, "delete", false, "permanently remove the tunnel instead of just stopping it")
}

func runStop(cmd *cobra.Command, args []string) error {
	tunnelID := args[0]

	serverURL := viper.GetString("server")

	method := http.MethodPost
	url := fmt.Sprintf("%s/api/v1/tunnels/%s/stop", serverURL, tunnelID)
	wantStatus := http.StatusOK
	if deleteTunnel {
		method = http.MethodDelete
		url = fmt.Sprintf("%s/api/v1/tunnels/%s", serverURL, tunnelID)
		wantStatus = http.StatusNoContent
	}

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to stop tunnel: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("tunnel not found: %s", tunnelID)
	}

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("failed to stop tunnel: %s", string(body))
	}

	if deleteTunnel {
		fmt.Printf("✓ Tunnel deleted: %s\n", tunnelID)
	} else {
		fmt.Printf("✓ Tunnel stopped: %s\n", tunnelID)
	}

	return nil
}
