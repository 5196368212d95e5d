package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	idCmdName           = "id"
	addressCmdName      = "address"
	nameCmdName         = "name"
	triggerCmdName      = "trigger"
	scheduleCmdName     = "schedule"
	skippableCmdName    = "skippable"
	watchCmdName        = "watch"
	offsetCmdName       = "offset"
	sizeCmdName         = "size"
	slotCmdName         = "slot"
	epochCmdName        = "epoch"
	timestampCmdName    = "timestamp"
	instructionsCmdName = "instructions"
	memoCmdName         = "memo"
	rateLimitCmdName    = "rate-limit"
	feeCmdName          = "fee"
	amountCmdName       = "amount"
	closeToCmdName      = "close-to"
)

func newAutomationCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &clientConfig{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "automation",
		Short: "manages automations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("must specify a subcommand: create, delete, pause, resume, update, reset, withdraw, get or list")
		},
	}
	cmd.AddCommand(automationCreateCmd(config))
	cmd.AddCommand(automationDeleteCmd(config))
	cmd.AddCommand(automationManageCmd(config, "pause", "pauses the automation", automation.NewPauseInstruction))
	cmd.AddCommand(automationManageCmd(config, "resume", "resumes paused automation", automation.NewResumeInstruction))
	cmd.AddCommand(automationManageCmd(config, "reset", "clears the execution context, the automation waits for its trigger again", automation.NewResetInstruction))
	cmd.AddCommand(automationUpdateCmd(config))
	cmd.AddCommand(automationWithdrawCmd(config))
	cmd.AddCommand(automationGetCmd(config))
	cmd.AddCommand(automationListCmd(config))
	config.addFlags(cmd)
	return cmd
}

func addTriggerFlags(cmd *cobra.Command) {
	cmd.Flags().String(triggerCmdName, "immediate", "trigger kind, one of: immediate, cron, account, slot, epoch, timestamp")
	cmd.Flags().String(scheduleCmdName, "", "cron schedule (cron trigger)")
	cmd.Flags().Bool(skippableCmdName, false, "skip missed occurrences (cron trigger)")
	cmd.Flags().String(watchCmdName, "", "address of the watched account (account trigger)")
	cmd.Flags().Uint64(offsetCmdName, 0, "offset of the watched byte range (account trigger)")
	cmd.Flags().Uint64(sizeCmdName, 0, "size of the watched byte range (account trigger)")
	cmd.Flags().Uint64(slotCmdName, 0, "slot to fire at (slot trigger)")
	cmd.Flags().Uint64(epochCmdName, 0, "epoch to fire at (epoch trigger)")
	cmd.Flags().Int64(timestampCmdName, 0, "unix timestamp to fire at (timestamp trigger)")
}

func triggerFromFlags(cmd *cobra.Command) (automation.Trigger, error) {
	kind, err := cmd.Flags().GetString(triggerCmdName)
	if err != nil {
		return nil, err
	}
	var t automation.Trigger
	switch kind {
	case "immediate":
		t = &automation.ImmediateTrigger{}
	case "cron":
		schedule, _ := cmd.Flags().GetString(scheduleCmdName)
		skippable, _ := cmd.Flags().GetBool(skippableCmdName)
		t = &automation.CronTrigger{Schedule: schedule, Skippable: skippable}
	case "account":
		watch, _ := cmd.Flags().GetString(watchCmdName)
		addr, err := types.ParseAddress(watch)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", watchCmdName, err)
		}
		offset, _ := cmd.Flags().GetUint64(offsetCmdName)
		size, _ := cmd.Flags().GetUint64(sizeCmdName)
		t = &automation.AccountTrigger{Address: addr, Offset: offset, Size: size}
	case "slot":
		slot, _ := cmd.Flags().GetUint64(slotCmdName)
		t = &automation.SlotTrigger{Slot: slot}
	case "epoch":
		epoch, _ := cmd.Flags().GetUint64(epochCmdName)
		t = &automation.EpochTrigger{Epoch: epoch}
	case "timestamp":
		ts, _ := cmd.Flags().GetInt64(timestampCmdName)
		t = &automation.TimestampTrigger{UnixTimestamp: ts}
	default:
		return nil, automation.NewError(automation.InvalidTriggerVariant, "unknown trigger %q", kind)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func addInstructionFlags(cmd *cobra.Command) {
	cmd.Flags().String(instructionsCmdName, "", "JSON file with the list of instructions to run")
	cmd.Flags().StringArray(memoCmdName, nil, "memo instruction to run, may be repeated")
}

// instructionsFromFlags returns nil when neither flag was given.
func instructionsFromFlags(cmd *cobra.Command) ([]*types.Instruction, error) {
	file, err := cmd.Flags().GetString(instructionsCmdName)
	if err != nil {
		return nil, err
	}
	var ixs []*types.Instruction
	if file != "" {
		b, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return nil, fmt.Errorf("reading instructions: %w", err)
		}
		if err := json.Unmarshal(b, &ixs); err != nil {
			return nil, fmt.Errorf("decoding instructions file %s: %w", file, err)
		}
	}
	memos, err := cmd.Flags().GetStringArray(memoCmdName)
	if err != nil {
		return nil, err
	}
	for _, m := range memos {
		ixs = append(ixs, types.NewMemoInstruction(m))
	}
	return ixs, nil
}

func addAddressFlags(cmd *cobra.Command) {
	cmd.Flags().String(idCmdName, "", "automation id, automation address is derived from the id and the key")
	cmd.Flags().String(addressCmdName, "", "automation address")
}

// automationAddress resolves the automation either from --address or from
// --id of an automation owned by the key.
func automationAddress(cmd *cobra.Command, authority types.Address) (types.Address, error) {
	if s, _ := cmd.Flags().GetString(addressCmdName); s != "" {
		return types.ParseAddress(s)
	}
	id, _ := cmd.Flags().GetString(idCmdName)
	if id == "" {
		return types.Address{}, fmt.Errorf("either --%s or --%s is required", idCmdName, addressCmdName)
	}
	return automation.Address(authority, []byte(id)), nil
}

func automationCreateCmd(config *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "creates new automation owned by the key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execAutomationCreateCmd(cmd, config)
		},
	}
	cmd.Flags().String(idCmdName, "", "automation id (default random)")
	cmd.Flags().String(nameCmdName, "", "automation name")
	cmd.Flags().Uint64(rateLimitCmdName, 0, fmt.Sprintf("max number of execs per slot (default %d)", automation.DefaultRateLimit))
	cmd.Flags().Uint64(feeCmdName, 0, "fee paid to the worker per exec")
	cmd.Flags().Uint64(amountCmdName, 0, "lamports to fund the automation with")
	addTriggerFlags(cmd)
	addInstructionFlags(cmd)
	return cmd
}

func execAutomationCreateCmd(cmd *cobra.Command, config *clientConfig) error {
	id, _ := cmd.Flags().GetString(idCmdName)
	if id == "" {
		// uuid without dashes fits the id length limit
		u := uuid.New()
		id = fmt.Sprintf("%x", u[:])
	}
	name, _ := cmd.Flags().GetString(nameCmdName)
	if name == "" {
		name = id
	}
	rateLimit, _ := cmd.Flags().GetUint64(rateLimitCmdName)
	fee, _ := cmd.Flags().GetUint64(feeCmdName)
	amount, _ := cmd.Flags().GetUint64(amountCmdName)
	trigger, err := triggerFromFlags(cmd)
	if err != nil {
		return err
	}
	ixs, err := instructionsFromFlags(cmd)
	if err != nil {
		return err
	}
	if len(ixs) == 0 {
		return fmt.Errorf("automation needs at least one instruction, use --%s or --%s", instructionsCmdName, memoCmdName)
	}

	signer, err := config.signer(cmd)
	if err != nil {
		return err
	}
	client, err := config.client()
	if err != nil {
		return err
	}
	ix, err := automation.NewCreateInstruction(signer.Address(), signer.Address(), []byte(id), name, ixs, trigger, rateLimit, fee, amount)
	if err != nil {
		return err
	}
	sig, err := sendAndConfirm(cmd.Context(), client, []types.Signer{signer}, ix)
	if err != nil {
		return err
	}
	consoleWriter.Println(fmt.Sprintf("Automation %q created: %s (tx %s)", id, automation.Address(signer.Address(), []byte(id)), sig))
	return nil
}

func automationDeleteCmd(config *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "deletes the automation and returns its balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			addr, err := automationAddress(cmd, signer.Address())
			if err != nil {
				return err
			}
			closeTo := signer.Address()
			if s, _ := cmd.Flags().GetString(closeToCmdName); s != "" {
				if closeTo, err = types.ParseAddress(s); err != nil {
					return fmt.Errorf("invalid --%s: %w", closeToCmdName, err)
				}
			}
			ix, err := automation.NewDeleteInstruction(signer.Address(), addr, closeTo)
			if err != nil {
				return err
			}
			return sendManage(cmd, config, signer, ix, "deleted", addr)
		},
	}
	addAddressFlags(cmd)
	cmd.Flags().String(closeToCmdName, "", "address receiving the balance (default the key)")
	return cmd
}

func automationManageCmd(config *clientConfig, use, short string, build func(authority, automation types.Address) (*types.Instruction, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			addr, err := automationAddress(cmd, signer.Address())
			if err != nil {
				return err
			}
			ix, err := build(signer.Address(), addr)
			if err != nil {
				return err
			}
			return sendManage(cmd, config, signer, ix, use, addr)
		},
	}
	addAddressFlags(cmd)
	return cmd
}

func automationUpdateCmd(config *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "updates automation settings, only the given settings are changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execAutomationUpdateCmd(cmd, config)
		},
	}
	addAddressFlags(cmd)
	cmd.Flags().String(nameCmdName, "", "new name")
	cmd.Flags().Uint64(rateLimitCmdName, 0, "new rate limit")
	cmd.Flags().Uint64(feeCmdName, 0, "new fee")
	addTriggerFlags(cmd)
	addInstructionFlags(cmd)
	return cmd
}

func execAutomationUpdateCmd(cmd *cobra.Command, config *clientConfig) error {
	settings := &automation.Settings{}
	changed := false
	if cmd.Flags().Changed(nameCmdName) {
		name, _ := cmd.Flags().GetString(nameCmdName)
		settings.Name = &name
		changed = true
	}
	if cmd.Flags().Changed(rateLimitCmdName) {
		rl, _ := cmd.Flags().GetUint64(rateLimitCmdName)
		settings.RateLimit = &rl
		changed = true
	}
	if cmd.Flags().Changed(feeCmdName) {
		fee, _ := cmd.Flags().GetUint64(feeCmdName)
		settings.Fee = &fee
		changed = true
	}
	if cmd.Flags().Changed(triggerCmdName) {
		t, err := triggerFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := settings.SetTrigger(t); err != nil {
			return err
		}
		changed = true
	}
	ixs, err := instructionsFromFlags(cmd)
	if err != nil {
		return err
	}
	if len(ixs) > 0 {
		settings.Instructions = ixs
		changed = true
	}
	if !changed {
		return errors.New("nothing to update")
	}

	signer, err := config.signer(cmd)
	if err != nil {
		return err
	}
	addr, err := automationAddress(cmd, signer.Address())
	if err != nil {
		return err
	}
	ix, err := automation.NewUpdateInstruction(signer.Address(), addr, settings)
	if err != nil {
		return err
	}
	return sendManage(cmd, config, signer, ix, "updated", addr)
}

func automationWithdrawCmd(config *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "withdraws lamports from the automation's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, _ := cmd.Flags().GetUint64(amountCmdName)
			if amount == 0 {
				return fmt.Errorf("--%s must be greater than zero", amountCmdName)
			}
			signer, err := config.signer(cmd)
			if err != nil {
				return err
			}
			addr, err := automationAddress(cmd, signer.Address())
			if err != nil {
				return err
			}
			payTo := signer.Address()
			if s, _ := cmd.Flags().GetString(payToCmdName); s != "" {
				if payTo, err = types.ParseAddress(s); err != nil {
					return fmt.Errorf("invalid --%s: %w", payToCmdName, err)
				}
			}
			ix, err := automation.NewWithdrawInstruction(signer.Address(), addr, payTo, amount)
			if err != nil {
				return err
			}
			return sendManage(cmd, config, signer, ix, fmt.Sprintf("paid %d to %s", amount, payTo), addr)
		},
	}
	addAddressFlags(cmd)
	cmd.Flags().Uint64(amountCmdName, 0, "lamports to withdraw")
	cmd.Flags().String(payToCmdName, "", "receiver of the lamports (default the key)")
	return cmd
}

func sendManage(cmd *cobra.Command, config *clientConfig, signer types.Signer, ix *types.Instruction, action string, addr types.Address) error {
	client, err := config.client()
	if err != nil {
		return err
	}
	sig, err := sendAndConfirm(cmd.Context(), client, []types.Signer{signer}, ix)
	if err != nil {
		return err
	}
	consoleWriter.Println(fmt.Sprintf("Automation %s %s (tx %s)", addr, action, sig))
	return nil
}

type (
	automationView struct {
		Address         types.Address        `json:"address"`
		Authority       types.Address        `json:"authority"`
		ID              string               `json:"id"`
		Name            string               `json:"name"`
		Balance         uint64               `json:"balance"`
		CreatedAt       types.Clock          `json:"createdAt"`
		Trigger         triggerView          `json:"trigger"`
		Instructions    []*types.Instruction `json:"instructions"`
		NextInstruction *types.Instruction   `json:"nextInstruction,omitempty"`
		ExecContext     *execContextView     `json:"execContext,omitempty"`
		RateLimit       uint64               `json:"rateLimit"`
		Fee             uint64               `json:"fee"`
		Paused          bool                 `json:"paused"`
	}

	triggerView struct {
		Kind  string `json:"kind"`
		Value any    `json:"value"`
	}

	execContextView struct {
		ExecIndex               uint64      `json:"execIndex"`
		ExecsSinceReimbursement uint64      `json:"execsSinceReimbursement"`
		ExecsSinceSlot          uint64      `json:"execsSinceSlot"`
		LastExecAt              uint64      `json:"lastExecAt"`
		TriggerContext          triggerView `json:"triggerContext"`
	}
)

func newAutomationView(acc *ledger.Account) (*automationView, error) {
	a, err := automation.Decode(acc.Data)
	if err != nil {
		return nil, err
	}
	v := &automationView{
		Address:         acc.Address,
		Authority:       a.Authority,
		ID:              string(a.ID),
		Name:            a.Name,
		Balance:         acc.Lamports,
		CreatedAt:       a.CreatedAt,
		Trigger:         triggerView{Kind: a.Trigger.Kind().String(), Value: a.Trigger},
		Instructions:    a.Instructions,
		NextInstruction: a.NextInstruction,
		RateLimit:       a.RateLimit,
		Fee:             a.Fee,
		Paused:          a.Paused,
	}
	if ec := a.ExecContext; ec != nil {
		v.ExecContext = &execContextView{
			ExecIndex:               ec.ExecIndex,
			ExecsSinceReimbursement: ec.ExecsSinceReimbursement,
			ExecsSinceSlot:          ec.ExecsSinceSlot,
			LastExecAt:              ec.LastExecAt,
		}
		if ec.TriggerContext != nil {
			v.ExecContext.TriggerContext = triggerView{Kind: ec.TriggerContext.Kind().String(), Value: ec.TriggerContext}
		}
	}
	return v, nil
}

func automationGetCmd(config *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "prints the automation",
		RunE: func(cmd *cobra.Command, args []string) error {
			var authority types.Address
			if s, _ := cmd.Flags().GetString(addressCmdName); s == "" {
				signer, err := config.signer(cmd)
				if err != nil {
					return err
				}
				authority = signer.Address()
			}
			addr, err := automationAddress(cmd, authority)
			if err != nil {
				return err
			}
			client, err := config.client()
			if err != nil {
				return err
			}
			acc, err := client.GetAccount(cmd.Context(), addr)
			if err != nil {
				return err
			}
			v, err := newAutomationView(acc)
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	}
	addAddressFlags(cmd)
	return cmd
}

func automationListCmd(config *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "lists all automations",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := config.client()
			if err != nil {
				return err
			}
			accs, err := client.GetProgramAccounts(cmd.Context(), automation.ProgramID, automation.Prefix())
			if err != nil {
				return err
			}
			for _, acc := range accs {
				a, err := automation.Decode(acc.Data)
				if err != nil {
					consoleWriter.Println(fmt.Sprintf("%s  <%v>", acc.Address, err))
					continue
				}
				state := "idle"
				switch {
				case a.Paused:
					state = "paused"
				case a.NextInstruction != nil:
					state = "running"
				case a.Spent():
					state = "done"
				}
				consoleWriter.Println(fmt.Sprintf("%s  %-20s %-8s %s", acc.Address, a.Name, state, a.Trigger))
			}
			return nil
		},
	}
}
