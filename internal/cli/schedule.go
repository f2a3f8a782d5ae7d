package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для управления schedules.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleEnableCmd(clientFn, outputFn),
		newScheduleDisableCmd(clientFn, outputFn),
	)

	return cmd
}

var scheduleHeaders = []string{"ID", "NAME", "CRON", "TZ", "ENABLED", "NEXT_DUE"}

func scheduleRow(s ScheduleResponse) []string {
	return []string{s.ID, s.Name, s.CronExpr, s.Timezone, strconv.FormatBool(s.Enabled), s.NextDueAt}
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schedules, err := client.ListSchedules()
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = scheduleRow(s)
			}

			out.Print(scheduleHeaders, rows, schedules)
			return nil
		},
	}
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var cronExpr string
	var timezone string
	var tags []string
	var enabled bool

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateScheduleRequest{
				Name:     args[0],
				CronExpr: cronExpr,
				Timezone: timezone,
				Enabled:  enabled,
			}

			if len(tags) > 0 {
				req.Tags = make(map[string]string)
				for _, kv := range tags {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid tag format %q, expected KEY=VALUE", kv)
					}
					req.Tags[parts[0]] = parts[1]
				}
			}

			sched, err := client.CreateSchedule(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule created: %s", sched.ID))
			out.Print(scheduleHeaders, [][]string{scheduleRow(*sched)}, sched)
			return nil
		},
	}

	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (required)")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "Timezone for the cron expression")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags for submitted runs as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Create the schedule enabled")
	cmd.MarkFlagRequired("cron")

	return cmd
}

func newScheduleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show schedule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			sched, err := client.GetSchedule(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "NAME", "CRON", "TZ", "TAGS", "ENABLED", "NEXT_DUE", "LAST_RUN"},
				[][]string{{sched.ID, sched.Name, sched.CronExpr, sched.Timezone, formatTags(sched.Tags), strconv.FormatBool(sched.Enabled), sched.NextDueAt, sched.LastRunAt}},
				sched,
			)
			return nil
		},
	}
}

func newScheduleEnableCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "enable ID",
		Short: "Enable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			sched, err := client.EnableSchedule(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule enabled: %s", sched.ID))
			return nil
		},
	}
}

func newScheduleDisableCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "disable ID",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			sched, err := client.DisableSchedule(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule disabled: %s", sched.ID))
			return nil
		},
	}
}
