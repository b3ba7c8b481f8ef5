package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Kafka topics",
	}

	admin := func() (*redpanda.Admin, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if err := cfg.RequireKafka(); err != nil {
			return nil, err
		}
		return redpanda.NewAdmin(cfg.KafkaBrokers, nil)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the notification and dead-letter topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := admin()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.EnsureTopics(cmd.Context()); err != nil {
				return err
			}
			for _, t := range redpanda.DefaultTopicConfigs() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (partitions=%d)\n", t.Name, t.Partitions)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := admin()
			if err != nil {
				return err
			}
			defer a.Close()
			names, err := a.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})

	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			a, err := admin()
			if err != nil {
				return err
			}
			defer a.Close()
			lags, err := a.GetConsumerGroupLag(cmd.Context(), group)
			if err != nil {
				return err
			}
			topics := make([]string, 0, len(lags))
			for t := range lags {
				topics = append(topics, t)
			}
			sort.Strings(topics)
			for _, t := range topics {
				partitions := make([]int, 0, len(lags[t]))
				for p := range lags[t] {
					partitions = append(partitions, int(p))
				}
				sort.Ints(partitions)
				for _, p := range partitions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s[%d] %d\n", t, p, lags[t][int32(p)])
				}
			}
			return nil
		},
	}
	lag.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	cmd.AddCommand(lag)
	return cmd
}
