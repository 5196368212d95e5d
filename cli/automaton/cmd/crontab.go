package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alphabill-org/automaton/internal/cronschedule"
)

const (
	countCmdName = "count"
	afterCmdName = "after"
)

func newCrontabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crontab <schedule>",
		Short: "previews the next occurrences of a cron schedule",
		Long: `Previews the next occurrences of a cron schedule. Schedule has 6 or 7 fields,
"sec min hour day-of-month month day-of-week [year]", or is a descriptor like @hourly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execCrontabCmd(cmd, args[0])
		},
	}
	cmd.Flags().IntP(countCmdName, "n", 10, "number of occurrences to print")
	cmd.Flags().Int64(afterCmdName, 0, "unix timestamp to start from (default now)")
	return cmd
}

func execCrontabCmd(cmd *cobra.Command, expr string) error {
	s, err := cronschedule.Parse(expr)
	if err != nil {
		return err
	}
	n, err := cmd.Flags().GetInt(countCmdName)
	if err != nil {
		return err
	}
	after, err := cmd.Flags().GetInt64(afterCmdName)
	if err != nil {
		return err
	}
	if after == 0 {
		after = time.Now().Unix()
	}
	upcoming := s.Upcoming(after, n)
	if len(upcoming) == 0 {
		consoleWriter.Println("Schedule has no upcoming occurrences")
		return nil
	}
	for _, ts := range upcoming {
		consoleWriter.Println(fmt.Sprintf("%d  %s", ts, time.Unix(ts, 0).UTC().Format(time.RFC3339)))
	}
	return nil
}
