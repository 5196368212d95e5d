package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/crypto"
	"github.com/alphabill-org/automaton/internal/ledger/rpc"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	defaultRpcUrl       = "localhost:8899"
	defaultKeyFileName  = "keys.json"
	passwordPromptUsage = "password (interactive from prompt)"
	passwordArgUsage    = "password (non-interactive from args)"

	rpcUrlCmdName         = "rpc-url"
	keyFileCmdName        = "key-file"
	passwordPromptCmdName = "password"
	passwordArgCmdName    = "pn"

	confirmationTimeout = 30 * time.Second
	confirmationPoll    = 200 * time.Millisecond
)

// clientConfig holds the flags shared by commands talking to the ledger.
type clientConfig struct {
	Base    *baseConfiguration
	RpcUrl  string
	KeyFile string
}

func (c *clientConfig) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&c.RpcUrl, rpcUrlCmdName, "u", defaultRpcUrl, "ledger RPC url")
	cmd.PersistentFlags().StringVarP(&c.KeyFile, keyFileCmdName, "k", "", fmt.Sprintf("path to the key file (default $AUTOMATON_HOME/%s)", defaultKeyFileName))
	cmd.PersistentFlags().BoolP(passwordPromptCmdName, "p", false, passwordPromptUsage)
	cmd.PersistentFlags().String(passwordArgCmdName, "", passwordArgUsage)
}

func (c *clientConfig) keyFilePath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.Base.HomeDir, defaultKeyFileName)
}

func (c *clientConfig) client() (*rpc.Client, error) {
	return rpc.New(c.RpcUrl)
}

// signer loads the key from the key file, asking for passphrase when the file is encrypted.
func (c *clientConfig) signer(cmd *cobra.Command) (*crypto.Ed25519Signer, error) {
	return loadSigner(cmd, c.keyFilePath())
}

func loadSigner(cmd *cobra.Command, path string) (*crypto.Ed25519Signer, error) {
	encrypted, err := crypto.IsKeyFileEncrypted(path)
	if err != nil {
		return nil, err
	}
	var passphrase string
	if encrypted {
		if passphrase, err = getPassphrase(cmd, fmt.Sprintf("Enter passphrase for %s: ", path)); err != nil {
			return nil, err
		}
	}
	return crypto.ReadKeyFile(path, passphrase)
}

/*
sendAndConfirm signs the instructions into a transaction paid by the
signer, sends it and waits until the ledger confirms it. Failed
transactions are reported with the error taxonomy label.
*/
func sendAndConfirm(ctx context.Context, client *rpc.Client, signers []types.Signer, ixs ...*types.Instruction) (types.Signature, error) {
	bh, err := client.GetLatestBlockhash(ctx)
	if err != nil {
		return types.Signature{}, fmt.Errorf("reading blockhash: %w", err)
	}
	tx := types.NewTransaction(signers[0].Address(), bh, ixs...)
	if err := tx.Sign(signers...); err != nil {
		return types.Signature{}, fmt.Errorf("signing transaction: %w", err)
	}
	sig, err := client.SendTransaction(ctx, tx)
	if err != nil {
		return types.Signature{}, fmt.Errorf("sending transaction: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()
	ticker := time.NewTicker(confirmationPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sig, fmt.Errorf("waiting for confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
			st, err := client.GetSignatureStatuses(ctx, []types.Signature{sig})
			if err != nil {
				return sig, fmt.Errorf("reading status of %s: %w", sig, err)
			}
			if st[0] == nil || !st[0].Confirmed {
				continue
			}
			if st[0].Failed() {
				return sig, fmt.Errorf("transaction %s failed: %w", sig, automation.ErrorFromCode(st[0].ErrCode, st[0].Err))
			}
			return sig, nil
		}
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	consoleWriter.Println(string(b))
	return nil
}

func createPassphrase(cmd *cobra.Command) (string, error) {
	passwordFromArg, err := cmd.Flags().GetString(passwordArgCmdName)
	if err != nil {
		return "", err
	}
	if passwordFromArg != "" {
		return passwordFromArg, nil
	}
	passwordFlag, err := cmd.Flags().GetBool(passwordPromptCmdName)
	if err != nil {
		return "", err
	}
	if !passwordFlag {
		return "", nil
	}
	p1, err := readPassword("Create new passphrase: ")
	if err != nil {
		return "", err
	}
	p2, err := readPassword("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if p1 != p2 {
		return "", errors.New("passphrases do not match")
	}
	return p1, nil
}

func getPassphrase(cmd *cobra.Command, promptMessage string) (string, error) {
	passwordFromArg, err := cmd.Flags().GetString(passwordArgCmdName)
	if err != nil {
		return "", err
	}
	if passwordFromArg != "" {
		return passwordFromArg, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", crypto.ErrPassphraseRequired
	}
	return readPassword(promptMessage)
}

func readPassword(promptMessage string) (string, error) {
	consoleWriter.Print(promptMessage)
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	consoleWriter.Println("") // line break after reading password
	return string(passwordBytes), nil
}
