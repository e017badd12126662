// Command mcsctl is the operator CLI for mcs: RESP commands over
// go-redis against the data store, and HTTP calls against the admin API
// for workflow/resource introspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	respAddr string
	adminURL string
	authPass string
)

var rootCmd = &cobra.Command{
	Use:   "mcsctl",
	Short: "mcsctl is a CLI for operating an mcs server",
	Long:  "A developer-focused terminal tool for querying mcs's data store and workflow engine.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mcsctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&respAddr, "resp-addr", "127.0.0.1:6379", "mcs RESP server address")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "http://localhost:8090", "mcs admin API URL")
	rootCmd.PersistentFlags().StringVar(&authPass, "auth", "", "requirepass value, if the server has one configured")
	viper.BindPFlag("resp-addr", rootCmd.PersistentFlags().Lookup("resp-addr"))
	viper.BindPFlag("admin-url", rootCmd.PersistentFlags().Lookup("admin-url"))
	viper.BindPFlag("auth", rootCmd.PersistentFlags().Lookup("auth"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mcsctl")
	}

	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
