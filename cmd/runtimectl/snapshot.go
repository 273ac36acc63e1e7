package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and control the materialized snapshot tree",
}

var snapshotRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Swap current and previous snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Post(fmt.Sprintf("http://%s/snapshot/rollback", adminAddr), "application/json", nil)
		if err != nil {
			return fmt.Errorf("%w: %v", errAuthorityUnreachable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errSnapshotInvalid
		}
		fmt.Println("rolled back to previous snapshot")
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotRollbackCmd)
}
