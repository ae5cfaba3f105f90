package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eachlabs/streamport/internal/operation"
)

var portsAddr string

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List available ports",
	Long: `List the ports this build serves, or with --addr the ports a running
server reports.

Examples:
  streamport ports
  streamport ports --addr http://127.0.0.1:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := operation.PortNames()
		if portsAddr != "" {
			remote, err := fetchPorts(portsAddr)
			if err != nil {
				return err
			}
			names = remote
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string][]string{"ports": names})
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	portsCmd.Flags().StringVar(&portsAddr, "addr", "", "query a running server")
}

func fetchPorts(addr string) ([]string, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(strings.TrimSuffix(addr, "/") + "/ports")
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list ports: %s", resp.Status)
	}

	var body struct {
		Ports []string `json:"ports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode ports: %w", err)
	}
	return body.Ports, nil
}
