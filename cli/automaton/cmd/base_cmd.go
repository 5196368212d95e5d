package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/alphabill-org/automaton/internal/automation"
)

type automatonApp struct {
	baseCmd    *cobra.Command
	baseConfig *baseConfiguration
}

// New creates a new automaton application
func New() *automatonApp {
	baseCmd, baseConfig := newBaseCmd()
	return &automatonApp{baseCmd, baseConfig}
}

// Execute adds all child commands and runs the application
func (a *automatonApp) Execute(ctx context.Context) error {
	a.baseCmd.AddCommand(newAutomationCmd(a.baseConfig))
	a.baseCmd.AddCommand(newPoolCmd(a.baseConfig))
	a.baseCmd.AddCommand(newRegistryCmd(a.baseConfig))
	a.baseCmd.AddCommand(newWorkerCmd(a.baseConfig))
	a.baseCmd.AddCommand(newDelegationCmd(a.baseConfig))
	a.baseCmd.AddCommand(newCrontabCmd())
	a.baseCmd.AddCommand(newKeysCmd(a.baseConfig))
	a.baseCmd.AddCommand(newCrankCmd(a.baseConfig))
	a.baseCmd.AddCommand(newLocalnetCmd(a.baseConfig))
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd() (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{}
	// baseCmd represents the base command when called without any subcommands
	var baseCmd = &cobra.Command{
		Use:           "automaton",
		Short:         "The automaton CLI",
		Long:          `The automaton CLI manages automations and network accounts and runs the crank engine and the development ledger.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// If subcommand does not define PersistentPreRunE, the one from base cmd is used.
			if err := initializeConfig(cmd, config); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}
	config.addConfigurationFlags(baseCmd)
	return baseCmd, config
}

func initializeConfig(cmd *cobra.Command, config *baseConfiguration) error {
	var errs []error
	if err := config.initializeConfig(cmd); err != nil {
		errs = append(errs, fmt.Errorf("reading configuration: %w", err))
	}
	if err := config.initLogger(cmd); err != nil {
		errs = append(errs, fmt.Errorf("initializing logger: %w", err))
	}
	return errors.Join(errs...)
}

// initializeConfig reads in config file and ENV variables if set.
func (config *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	config.initConfigFileLocation()

	if config.configFileExists() {
		v.SetConfigFile(config.CfgFile)
		v.SetConfigType("props")
	}

	// Attempt to read the config file, gracefully ignoring errors
	// caused by a config file not being found. Return an error
	// if we cannot parse the config file.
	if err := v.ReadInConfig(); err != nil {
		// It's okay if there isn't a config file
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && config.configFileExists() {
			return err
		}
	}

	// Flags bind to environment variables with the prefix, e.g. a flag
	// like --rpc-url binds to AUTOMATON_RPC_URL.
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// Bind each cobra flag to its associated viper configuration (config file and environment variable)
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindFlagErr []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == keyHome || f.Name == keyConfig {
			// "home" and "config" are special configuration values, handled separately.
			return
		}

		// Environment variables can't have dashes in them, so bind them to their equivalent
		// keys with underscores, e.g. --rpc-url to AUTOMATON_RPC_URL
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("binding env to flag %q: %w", f.Name, err))
				return
			}
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("setting flag %q value: %w", f.Name, err))
				return
			}
		}
	})
	return errors.Join(bindFlagErr...)
}

// FormatError renders command error for the user, taxonomy errors are
// prefixed with their label.
func FormatError(err error) string {
	if code, ok := automation.CodeOf(err); ok {
		return fmt.Sprintf("Error: [%s] %v", code, err)
	}
	return fmt.Sprintf("Error: %v", err)
}
