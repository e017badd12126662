package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(statusCmd)
	resourceCmd.AddCommand(resourceListCmd)
	resourceCmd.AddCommand(resourceStatsCmd)
	rootCmd.AddCommand(resourceCmd)
}

func adminGet(path string, out interface{}) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(viper.GetString("admin-url") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found")
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow engine status",
	Run: func(cmd *cobra.Command, args []string) {
		var status map[string]interface{}
		if err := adminGet("/status", &status); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		b, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(b))
	},
}

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Inspect registered resources",
}

var resourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered resources and their utilization",
	Run: func(cmd *cobra.Command, args []string) {
		var resources []map[string]interface{}
		if err := adminGet("/resources", &resources); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		b, _ := json.MarshalIndent(resources, "", "  ")
		fmt.Println(string(b))
	},
}

var resourceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate resource manager counters",
	Run: func(cmd *cobra.Command, args []string) {
		var stats map[string]uint64
		if err := adminGet("/resources/stats", &stats); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		b, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(b))
	},
}

var taskCmd = &cobra.Command{
	Use:   "task [id]",
	Short: "Show a task's status and result",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var task map[string]interface{}
		if err := adminGet("/tasks/"+args[0], &task); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		b, _ := json.MarshalIndent(task, "", "  ")
		fmt.Println(string(b))
	},
}
