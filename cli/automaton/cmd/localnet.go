package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alphabill-org/automaton/internal/keyvaluedb/boltdb"
	"github.com/alphabill-org/automaton/internal/ledger/memledger"
	"github.com/alphabill-org/automaton/internal/ledger/rpc"
)

const (
	listenAddrCmdName    = "address"
	slotDurationCmdName  = "slot-duration"
	slotsPerEpochCmdName = "slots-per-epoch"
	poolsCmdName         = "pools"
	lockRegistryCmdName  = "lock-registry"
	dbCmdName            = "db"
	airdropCmdName       = "airdrop"

	defaultLedgerDBFile = "ledger.db"
)

type localnetConfiguration struct {
	Base          *baseConfiguration
	Address       string
	KeyFile       string
	SlotDuration  time.Duration
	SlotsPerEpoch uint64
	Pools         []uint
	LockRegistry  bool
	DBFile        string
	Airdrop       uint64
}

func newLocalnetCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &localnetConfiguration{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "localnet",
		Short: "runs development ledger",
		Long: `Runs a single process development ledger with the automation and network
programs and serves it over the RPC API. The key becomes the registry admin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocalnet(cmd, config)
		},
	}
	cmd.Flags().StringVar(&config.Address, listenAddrCmdName, defaultRpcUrl, "address to serve the RPC API on")
	cmd.Flags().StringVarP(&config.KeyFile, keyFileCmdName, "k", "", fmt.Sprintf("path to the admin key file (default $AUTOMATON_HOME/%s)", defaultKeyFileName))
	cmd.Flags().String(passwordArgCmdName, "", passwordArgUsage)
	cmd.Flags().DurationVar(&config.SlotDuration, slotDurationCmdName, memledger.DefaultSlotDuration, "slot duration")
	cmd.Flags().Uint64Var(&config.SlotsPerEpoch, slotsPerEpochCmdName, memledger.DefaultSlotsPerEpoch, "slots per epoch")
	cmd.Flags().UintSliceVar(&config.Pools, poolsCmdName, []uint{1}, "sizes of the pools created at genesis")
	cmd.Flags().BoolVar(&config.LockRegistry, lockRegistryCmdName, false, "keep pool rotation disabled until registry is unlocked")
	cmd.Flags().StringVar(&config.DBFile, dbCmdName, "", fmt.Sprintf("ledger database file, state survives restarts (default $AUTOMATON_HOME/%s)", defaultLedgerDBFile))
	cmd.Flags().Uint64Var(&config.Airdrop, airdropCmdName, 1_000_000_000_000, "lamports airdropped to the admin at start")
	return cmd
}

func (c *localnetConfiguration) keyFilePath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.Base.HomeDir, defaultKeyFileName)
}

func (c *localnetConfiguration) dbFilePath() string {
	if c.DBFile != "" {
		return c.DBFile
	}
	return filepath.Join(c.Base.HomeDir, defaultLedgerDBFile)
}

func runLocalnet(cmd *cobra.Command, config *localnetConfiguration) error {
	admin, err := loadSigner(cmd, config.keyFilePath())
	if err != nil {
		return fmt.Errorf("loading admin key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(config.dbFilePath()), 0700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	db, err := boltdb.New(config.dbFilePath())
	if err != nil {
		return fmt.Errorf("opening ledger database: %w", err)
	}
	pools := make([]uint64, len(config.Pools))
	for i, size := range config.Pools {
		pools[i] = uint64(size)
	}
	l, err := memledger.New(memledger.Config{
		SlotsPerEpoch: config.SlotsPerEpoch,
		SlotDuration:  config.SlotDuration,
		Admin:         admin.Address(),
		Pools:         pools,
		LockRegistry:  config.LockRegistry,
		DB:            db,
	})
	if err != nil {
		return errors.Join(err, db.Close())
	}
	defer func() { _ = l.Close() }()

	if config.Airdrop > 0 {
		if err := l.Airdrop(cmd.Context(), admin.Address(), config.Airdrop); err != nil {
			return fmt.Errorf("airdrop to admin: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return l.Run(ctx)
	})
	g.Go(func() error {
		return httpsrv.Run(ctx, http.Server{
			Addr:              config.Address,
			Handler:           rpc.NewLedgerAPI(l).Router(),
			ReadTimeout:       3 * time.Second,
			ReadHeaderTimeout: time.Second,
			// event streams are long lived
			WriteTimeout: 0,
			IdleTimeout:  30 * time.Second,
		}, httpsrv.ShutdownTimeout(5*time.Second))
	})
	consoleWriter.Println(fmt.Sprintf("Ledger RPC listening on %s, admin %s", config.Address, admin.Address()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
