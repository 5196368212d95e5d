package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alphabill-org/automaton/internal/crypto"
)

const (
	mnemonicCmdName = "mnemonic"
	forceCmdName    = "force"
)

func newKeysCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &clientConfig{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "manages the signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("must specify a subcommand: new or show")
		},
	}
	cmd.AddCommand(keysNewCmd(config))
	cmd.AddCommand(keysShowCmd(config))
	cmd.PersistentFlags().StringVarP(&config.KeyFile, keyFileCmdName, "k", "", fmt.Sprintf("path to the key file (default $AUTOMATON_HOME/%s)", defaultKeyFileName))
	cmd.PersistentFlags().BoolP(passwordPromptCmdName, "p", false, passwordPromptUsage)
	cmd.PersistentFlags().String(passwordArgCmdName, "", passwordArgUsage)
	return cmd
}

func keysNewCmd(config *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "generates new key from BIP-39 mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execKeysNewCmd(cmd, config)
		},
	}
	cmd.Flags().StringP(mnemonicCmdName, "m", "", "recover the key from mnemonic instead of generating a new one")
	cmd.Flags().BoolP(forceCmdName, "f", false, "overwrite existing key file")
	return cmd
}

func execKeysNewCmd(cmd *cobra.Command, config *clientConfig) error {
	path := config.keyFilePath()
	force, err := cmd.Flags().GetBool(forceCmdName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("key file %s already exists, use --%s to overwrite", path, forceCmdName)
	}
	mnemonic, err := cmd.Flags().GetString(mnemonicCmdName)
	if err != nil {
		return err
	}
	generated := mnemonic == ""
	if generated {
		if mnemonic, err = crypto.NewMnemonic(); err != nil {
			return err
		}
	}
	signer, err := crypto.NewEd25519SignerFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}
	passphrase, err := createPassphrase(cmd)
	if err != nil {
		return err
	}
	if err := crypto.WriteKeyFile(path, signer, passphrase); err != nil {
		return err
	}
	consoleWriter.Println("Key written to " + path)
	consoleWriter.Println("Address: " + signer.Address().String())
	if generated {
		consoleWriter.Println("The following mnemonic can be used to recover the key. Please write it down now, and keep it in a safe, offline place.")
		consoleWriter.Println("mnemonic: " + mnemonic)
	}
	return nil
}

func keysShowCmd(config *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "prints the address of the key",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			consoleWriter.Println(signer.Address().String())
			return nil
		},
	}
}
