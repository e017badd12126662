package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(infoCmd)
}

// respClient dials mcs's RESP listener with go-redis — mcs speaks the
// same wire protocol a generic RESP2 server would, so a standard Redis
// client works against it unmodified.
func respClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     viper.GetString("resp-addr"),
		Password: viper.GetString("auth"),
	})
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a key's value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := respClient()
		defer client.Close()
		val, err := client.Get(context.Background(), args[0]).Result()
		if err == redis.Nil {
			fmt.Println("(nil)")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(val)
	},
}

var setCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a key's value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client := respClient()
		defer client.Close()
		if err := client.Set(context.Background(), args[0], args[1], 0).Err(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("OK")
	},
}

var delCmd = &cobra.Command{
	Use:   "del [key...]",
	Short: "Delete one or more keys",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := respClient()
		defer client.Close()
		n, err := client.Del(context.Background(), args...).Result()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("(integer) %d\n", n)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print store INFO",
	Run: func(cmd *cobra.Command, args []string) {
		client := respClient()
		defer client.Close()
		out, err := client.Info(context.Background()).Result()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
	},
}
