package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &surfaceClient{base: serverAddr}
			w := cmd.OutOrStdout()

			var status struct {
				Version       string   `json:"version"`
				Mode          string   `json:"mode"`
				PID           int      `json:"pid"`
				Subscriptions []string `json:"subscriptions"`
			}
			if err := c.get("/v1/status", &status); err != nil {
				return exitf(1, "daemon unreachable at %s: %v", serverAddr, err)
			}
			fmt.Fprintf(w, "hostsentryd %s (pid %d)\n", status.Version, status.PID)
			fmt.Fprintf(w, "  mode:          %s\n", status.Mode)
			fmt.Fprintf(w, "  subscriptions: %v\n", status.Subscriptions)

			var cacheCounts struct {
				Root    uint64 `json:"root"`
				NonRoot uint64 `json:"non_root"`
			}
			if err := c.get("/v1/cache/counts", &cacheCounts); err == nil {
				fmt.Fprintf(w, "  cache:         root=%d non_root=%d\n", cacheCounts.Root, cacheCounts.NonRoot)
			}

			var ruleCounts map[string]int64
			if err := c.get("/v1/rules/counts", &ruleCounts); err == nil {
				total := int64(0)
				for _, n := range ruleCounts {
					total += n
				}
				fmt.Fprintf(w, "  rules:         %d\n", total)
			}

			var sync map[string]any
			if err := c.get("/v1/sync/status", &sync); err == nil {
				fmt.Fprintf(w, "  sync enabled:  %v\n", sync["enabled"])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server",
		getenvDefault("HOSTSENTRY_SERVER", "http://127.0.0.1:9750"), "control surface base URL")
	return cmd
}

type surfaceClient struct {
	base string
}

func (c *surfaceClient) get(path string, out any) error {
	httpc := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpc.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
