package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	auditAddr     string
	auditCount    int
	auditSecurity bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit events from a running server (admin API)",
	Run: func(cmd *cobra.Command, args []string) {
		path := "/v1/audit"
		if auditSecurity {
			path = "/v1/audit/security"
		}
		url := fmt.Sprintf("http://%s%s?count=%d", auditAddr, path, auditCount)
		if apiKey != "" {
			url += "&api_key=" + apiKey
		}

		resp, err := http.Get(url)
		if err != nil {
			fmt.Printf("Error connecting to server: %v\nIs the admin API enabled?\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Printf("Server returned error: %s\n", resp.Status)
			os.Exit(1)
		}

		var result struct {
			Events []struct {
				Timestamp time.Time `json:"timestamp"`
				Type      string    `json:"type"`
				Severity  string    `json:"severity"`
				Language  string    `json:"language"`
				Success   bool      `json:"success"`
				Error     string    `json:"error"`
			} `json:"events"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Printf("Error parsing response: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tSEVERITY\tLANGUAGE\tOK\tERROR")
		for _, e := range result.Events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
				e.Timestamp.Format("15:04:05"), e.Type, e.Severity, e.Language, e.Success, e.Error)
		}
		w.Flush()
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditAddr, "addr", "127.0.0.1:8642", "Admin API address")
	auditCmd.Flags().IntVar(&auditCount, "count", 20, "Number of events")
	auditCmd.Flags().BoolVar(&auditSecurity, "security", false, "Show only security events")
	RootCmd.AddCommand(auditCmd)
}
