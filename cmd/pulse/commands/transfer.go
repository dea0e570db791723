package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hgnetwork/pulse/src/config"
	"github.com/hgnetwork/pulse/src/net"
	"github.com/hgnetwork/pulse/src/wallet"
	"github.com/spf13/cobra"
)

var (
	transferKeyFile string
	transferNode    string
	transferTo      string
	transferAmount  int64
	transferDeps    []string
	transferTimeout time.Duration
)

// NewTransferCmd produces a command that signs a transfer with the local
// wallet and submits it to a node.
func NewTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Sign and submit a transfer",
		RunE:  transfer,
	}

	AddTransferFlags(cmd)

	return cmd
}

//AddTransferFlags adds flags to the transfer command
func AddTransferFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&transferKeyFile, "priv", filepath.Join(_config.Pulse.DataDir, config.DefaultKeyfile), "File containing the sender's private key")
	cmd.Flags().StringVar(&transferNode, "node", "http://"+config.DefaultBindAddr, "URL of the node to submit to")
	cmd.Flags().StringVar(&transferTo, "to", "", "Receiver address")
	cmd.Flags().Int64Var(&transferAmount, "amount", 0, "Amount to transfer")
	cmd.Flags().StringSliceVar(&transferDeps, "deps", nil, "Ids of confirmed transactions this one depends on")
	cmd.Flags().DurationVar(&transferTimeout, "timeout", config.DefaultTimeout, "Request timeout")
	cmd.MarkFlagRequired("to")
}

func transfer(cmd *cobra.Command, args []string) error {
	w, err := wallet.LoadKeyWallet(transferKeyFile)
	if err != nil {
		return fmt.Errorf("Reading private key: %s", err)
	}

	tx, err := wallet.Transfer(w, transferTo, transferAmount, transferDeps)
	if err != nil {
		return err
	}

	client := net.NewHTTPClient(transferTimeout)

	var resp net.SubmitResponse
	if err := client.Submit(transferNode, &net.SubmitRequest{Transaction: tx}, &resp); err != nil {
		return fmt.Errorf("Submitting transaction: %s", err)
	}

	fmt.Printf("Submitted transaction %s: %s -> %s, %d\n", resp.TransactionID, w.Address(), transferTo, transferAmount)

	return nil
}
