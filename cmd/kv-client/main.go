package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/muxrpc/kv"
	"github.com/gosuda/muxrpc/muxrpc"
)

var (
	flagAddr        string
	flagTimeout     time.Duration
	flagConnections int
)

var rootCmd = &cobra.Command{
	Use:   "kv-client",
	Short: "Command-line client for kv-server",
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch the value stored under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *kv.Client) error {
			value, err := c.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value under a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *kv.Client) error {
			return c.Put(args[0], []byte(args[1]))
		})
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *kv.Client) error {
			return c.Delete(args[0])
		})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddr, "addr", "localhost:7070", "kv-server RPC address")
	flags.DurationVar(&flagTimeout, "timeout", 5*time.Second, "per-call timeout")
	flags.IntVar(&flagConnections, "connections", 1, "parallel connections to the server")
	rootCmd.AddCommand(getCmd, putCmd, delCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func withClient(fn func(*kv.Client) error) error {
	rpc, err := muxrpc.NewClient(&muxrpc.ClientConfig{
		Addr:        flagAddr,
		Codec:       func() muxrpc.Codec { return muxrpc.NewMsgpackCodec() },
		Connections: flagConnections,
	})
	if err != nil {
		return err
	}
	client := kv.NewClient(rpc, flagTimeout)
	defer client.Close()
	return fn(client)
}
