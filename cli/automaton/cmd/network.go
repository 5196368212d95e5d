package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alphabill-org/automaton/internal/ledger/rpc"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	poolIdCmdName       = "pool-id"
	workerIdCmdName     = "worker-id"
	delegationIdCmdName = "delegation-id"
	signatoryCmdName    = "signatory-key-file"
	commissionCmdName   = "commission"
	payToCmdName        = "pay-to"
)

func newPoolCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &clientConfig{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "manages worker pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("must specify a subcommand: list, get or update")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "lists all pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := config.client()
			if err != nil {
				return err
			}
			accs, err := client.GetProgramAccounts(cmd.Context(), pool.ProgramID, pool.PoolPrefix())
			if err != nil {
				return err
			}
			for _, acc := range accs {
				p, err := pool.DecodePool(acc.Data)
				if err != nil {
					return fmt.Errorf("decoding pool %s: %w", acc.Address, err)
				}
				consoleWriter.Println(fmt.Sprintf("#%d %s size=%d workers=%d", p.ID, acc.Address, p.Size, len(p.Workers)))
			}
			return nil
		},
	})

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "prints the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetUint64(poolIdCmdName)
			client, err := config.client()
			if err != nil {
				return err
			}
			p, err := readRecord(cmd.Context(), client, pool.PoolAddress(id), pool.DecodePool)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	getCmd.Flags().Uint64(poolIdCmdName, 0, "pool id")
	cmd.AddCommand(getCmd)

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "changes pool size, signed by the registry admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetUint64(poolIdCmdName)
			size, _ := cmd.Flags().GetUint64(sizeCmdName)
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			ix, err := pool.NewPoolUpdateInstruction(signer.Address(), pool.PoolAddress(id), size)
			if err != nil {
				return err
			}
			return sendNetworkTx(cmd, config, []types.Signer{signer}, fmt.Sprintf("Pool %d resized to %d", id, size), ix)
		},
	}
	updateCmd.Flags().Uint64(poolIdCmdName, 0, "pool id")
	updateCmd.Flags().Uint64(sizeCmdName, 1, "new pool size")
	cmd.AddCommand(updateCmd)

	config.addFlags(cmd)
	return cmd
}

func newRegistryCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &clientConfig{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "network registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("must specify a subcommand: get or unlock")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "prints the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := config.client()
			if err != nil {
				return err
			}
			r, err := readRecord(cmd.Context(), client, pool.RegistryAddress, pool.DecodeRegistry)
			if err != nil {
				return err
			}
			return printJSON(r)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unlock",
		Short: "unlocks the registry after epoch processing got stuck, signed by the registry admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			ix, err := pool.NewRegistryUnlockInstruction(signer.Address())
			if err != nil {
				return err
			}
			return sendNetworkTx(cmd, config, []types.Signer{signer}, "Registry unlocked", ix)
		},
	})
	config.addFlags(cmd)
	return cmd
}

func newWorkerCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &clientConfig{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "manages workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("must specify a subcommand: create or get")
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "registers new worker owned by the key",
		Long:  "Registers new worker owned by the key. The crank service of the worker signs with the signatory key, both keys sign the registration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execWorkerCreateCmd(cmd, config)
		},
	}
	createCmd.Flags().String(signatoryCmdName, "", "key file of the worker's signatory (required)")
	createCmd.Flags().Uint64(commissionCmdName, 0, "commission rate in percents")
	_ = createCmd.MarkFlagRequired(signatoryCmdName)
	cmd.AddCommand(createCmd)

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "prints the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetUint64(workerIdCmdName)
			client, err := config.client()
			if err != nil {
				return err
			}
			w, err := readRecord(cmd.Context(), client, pool.WorkerAddress(id), pool.DecodeWorker)
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
	getCmd.Flags().Uint64(workerIdCmdName, 0, "worker id")
	cmd.AddCommand(getCmd)

	config.addFlags(cmd)
	return cmd
}

func execWorkerCreateCmd(cmd *cobra.Command, config *clientConfig) error {
	commission, _ := cmd.Flags().GetUint64(commissionCmdName)
	signatoryFile, _ := cmd.Flags().GetString(signatoryCmdName)
	authority, err := config.signer(cmd)
	if err != nil {
		return err
	}
	signatory, err := loadSigner(cmd, signatoryFile)
	if err != nil {
		return fmt.Errorf("loading signatory key: %w", err)
	}
	client, err := config.client()
	if err != nil {
		return err
	}
	registry, err := readRecord(cmd.Context(), client, pool.RegistryAddress, pool.DecodeRegistry)
	if err != nil {
		return err
	}
	id := registry.TotalWorkers
	ix, err := pool.NewWorkerCreateInstruction(authority.Address(), signatory.Address(), id, commission)
	if err != nil {
		return err
	}
	return sendNetworkTx(cmd, config, []types.Signer{authority, signatory},
		fmt.Sprintf("Worker %d created: %s", id, pool.WorkerAddress(id)), ix)
}

func newDelegationCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &clientConfig{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "delegation",
		Short: "manages stake delegated to workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("must specify a subcommand: create, deposit, withdraw or get")
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "creates new delegation to the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, _ := cmd.Flags().GetUint64(workerIdCmdName)
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			client, err := config.client()
			if err != nil {
				return err
			}
			workerAddr := pool.WorkerAddress(workerID)
			w, err := readRecord(cmd.Context(), client, workerAddr, pool.DecodeWorker)
			if err != nil {
				return err
			}
			ix, err := pool.NewDelegationCreateInstruction(signer.Address(), workerAddr, w.TotalDelegations)
			if err != nil {
				return err
			}
			return sendNetworkTx(cmd, config, []types.Signer{signer},
				fmt.Sprintf("Delegation %d to worker %d created: %s", w.TotalDelegations, workerID, pool.DelegationAddress(workerAddr, w.TotalDelegations)), ix)
		},
	}
	cmd.AddCommand(createCmd)

	depositCmd := &cobra.Command{
		Use:   "deposit",
		Short: "deposits stake, it becomes active at the next epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, _ := cmd.Flags().GetUint64(amountCmdName)
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			addr := delegationAddress(cmd)
			ix, err := pool.NewDelegationDepositInstruction(signer.Address(), addr, amount)
			if err != nil {
				return err
			}
			return sendNetworkTx(cmd, config, []types.Signer{signer}, fmt.Sprintf("Deposited %d to %s", amount, addr), ix)
		},
	}
	depositCmd.Flags().Uint64(amountCmdName, 0, "amount to deposit")
	cmd.AddCommand(depositCmd)

	withdrawCmd := &cobra.Command{
		Use:   "withdraw",
		Short: "withdraws stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, _ := cmd.Flags().GetUint64(amountCmdName)
			workerID, _ := cmd.Flags().GetUint64(workerIdCmdName)
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			payTo := signer.Address()
			if s, _ := cmd.Flags().GetString(payToCmdName); s != "" {
				if payTo, err = types.ParseAddress(s); err != nil {
					return fmt.Errorf("invalid --%s: %w", payToCmdName, err)
				}
			}
			addr := delegationAddress(cmd)
			ix, err := pool.NewDelegationWithdrawInstruction(signer.Address(), addr, pool.WorkerAddress(workerID), payTo, amount)
			if err != nil {
				return err
			}
			return sendNetworkTx(cmd, config, []types.Signer{signer}, fmt.Sprintf("Withdrew %d from %s", amount, addr), ix)
		},
	}
	withdrawCmd.Flags().Uint64(amountCmdName, 0, "amount to withdraw")
	withdrawCmd.Flags().String(payToCmdName, "", "receiver of the withdrawn stake (default the key)")
	cmd.AddCommand(withdrawCmd)

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "prints the delegation",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := config.client()
			if err != nil {
				return err
			}
			d, err := readRecord(cmd.Context(), client, delegationAddress(cmd), pool.DecodeDelegation)
			if err != nil {
				return err
			}
			return printJSON(d)
		},
	}
	cmd.AddCommand(getCmd)

	cmd.PersistentFlags().Uint64(workerIdCmdName, 0, "worker id")
	cmd.PersistentFlags().Uint64(delegationIdCmdName, 0, "delegation id")
	config.addFlags(cmd)
	return cmd
}

func delegationAddress(cmd *cobra.Command) types.Address {
	workerID, _ := cmd.Flags().GetUint64(workerIdCmdName)
	id, _ := cmd.Flags().GetUint64(delegationIdCmdName)
	return pool.DelegationAddress(pool.WorkerAddress(workerID), id)
}

func readRecord[T any](ctx context.Context, client *rpc.Client, addr types.Address, decode func([]byte) (T, error)) (T, error) {
	acc, err := client.GetAccount(ctx, addr)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("reading account %s: %w", addr, err)
	}
	return decode(acc.Data)
}

func sendNetworkTx(cmd *cobra.Command, config *clientConfig, signers []types.Signer, msg string, ix *types.Instruction) error {
	client, err := config.client()
	if err != nil {
		return err
	}
	sig, err := sendAndConfirm(cmd.Context(), client, signers, ix)
	if err != nil {
		return err
	}
	consoleWriter.Println(fmt.Sprintf("%s (tx %s)", msg, sig))
	return nil
}
