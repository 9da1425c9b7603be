package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fedcoord/cli"
	"github.com/absmach/fedcoord/pkg/sdk"
	"github.com/absmach/fedcoord/pkg/transport"
	"github.com/spf13/cobra"
)

const (
	defCoordinatorURL = "http://localhost:7070"
	defTimeout        = 30 * time.Second
	defMaxMessageSize = 100 << 20
)

func main() {
	var coordinatorURL string

	rootCmd := &cobra.Command{
		Use:   "fedcoord-cli",
		Short: "Federated coordinator CLI",
		Long:  `fedcoord-cli inspects a running coordinator and runs federated cross-validation experiments.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			s, err := sdk.NewSDK(transport.ClientConfig{
				URL:            coordinatorURL,
				Timeout:        defTimeout,
				MaxSendSize:    defMaxMessageSize,
				MaxReceiveSize: defMaxMessageSize,
			})
			if err != nil {
				log.Fatal(err)
			}
			cli.SetSDK(s)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&coordinatorURL, "url", "u", defCoordinatorURL, "Coordinator URL")

	rootCmd.AddCommand(cli.NewStatusCmd(), cli.NewCrossValCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
