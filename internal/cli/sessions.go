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

var sessionsAddr string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on a running server (admin API)",
	Run: func(cmd *cobra.Command, args []string) {
		url := "http://" + sessionsAddr + "/v1/sessions"
		if apiKey != "" {
			url += "?api_key=" + apiKey
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
			Sessions []struct {
				ID         string     `json:"id"`
				Name       string     `json:"name"`
				Language   string     `json:"language"`
				State      string     `json:"state"`
				CreatedAt  time.Time  `json:"created_at"`
				ExpiresAt  *time.Time `json:"expires_at"`
			} `json:"sessions"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Printf("Error parsing response: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tLANGUAGE\tSTATE\tCREATED\tEXPIRES")
		for _, s := range result.Sessions {
			expires := "-"
			if s.ExpiresAt != nil {
				expires = s.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Language, s.State, s.CreatedAt.Format(time.RFC3339), expires)
		}
		w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsAddr, "addr", "127.0.0.1:8642", "Admin API address")
	RootCmd.AddCommand(sessionsCmd)
}
