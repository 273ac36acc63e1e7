package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and control the sync loop",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print cursor, last sync time, and error",
	RunE: func(cmd *cobra.Command, args []string) error {
		var state struct {
			Cursor        string    `json:"Cursor"`
			LastSyncAt    time.Time `json:"LastSyncAt"`
			LastSuccessAt time.Time `json:"LastSuccessAt"`
			Status        string    `json:"Status"`
			LastError     string    `json:"LastError"`
		}
		if err := adminGet("/sync/status", &state); err != nil {
			return fmt.Errorf("%w: %v", errAuthorityUnreachable, err)
		}

		fmt.Printf("cursor:       %s\n", state.Cursor)
		fmt.Printf("status:       %s\n", state.Status)
		fmt.Printf("last sync:    %s\n", state.LastSyncAt.Format(time.RFC3339))
		fmt.Printf("last success: %s\n", state.LastSuccessAt.Format(time.RFC3339))
		if state.LastError != "" {
			fmt.Printf("last error:   %s\n", state.LastError)
		}
		return nil
	},
}

var syncTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Force an immediate sync cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Post(fmt.Sprintf("http://%s/sync/trigger", adminAddr), "application/json", nil)
		if err != nil {
			return fmt.Errorf("%w: %v", errAuthorityUnreachable, err)
		}
		defer resp.Body.Close()
		fmt.Println("sync cycle triggered")
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncTriggerCmd)
}

func adminGet(path string, out interface{}) error {
	resp, err := http.Get(fmt.Sprintf("http://%s%s", adminAddr, path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin api returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
