package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"caspaxos/internal/config"
	"caspaxos/internal/register"
)

const MembersKey = "members"

func registerCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "register",
		Short: "Reads and updates CASPaxos registers",
	}
	c.PersistentFlags().String(MembersKey, "", "Replica IDs the register lives on (e.g., 1,2,3); defaults to every replica")
	c.PersistentFlags().Bool(NoFastPathKey, false, "Run every update through a full round")
	c.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Reads a register",
			Args:  cobra.ExactArgs(1),
			RunE:  registerGetFunc,
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Overwrites a register",
			Args:  cobra.ExactArgs(2),
			RunE:  registerSetFunc,
		},
		&cobra.Command{
			Use:   "add-replica <key> <id>",
			Short: "Adds a replica to a register's membership",
			Args:  cobra.ExactArgs(2),
			RunE: func(c *cobra.Command, args []string) error {
				return modifyQuorumFunc(c, args, register.AddReplica)
			},
		},
		&cobra.Command{
			Use:   "remove-replica <key> <id>",
			Short: "Removes a replica from a register's membership",
			Args:  cobra.ExactArgs(2),
			RunE: func(c *cobra.Command, args []string) error {
				return modifyQuorumFunc(c, args, register.RemoveReplica)
			},
		},
	)
	return c
}

func parseMembers(s string, cfg *config.Config) ([]int64, error) {
	if s == "" {
		return cfg.IDs(), nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid member ID %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *session) registerClient(c *cobra.Command, key string) (*register.Client[string], error) {
	members, _ := c.Flags().GetString(MembersKey)
	ids, err := parseMembers(members, s.cfg)
	if err != nil {
		return nil, err
	}
	opts := []register.Option{
		register.WithPool(s.pool),
		register.WithLogger(s.logger),
		register.WithMetrics(s.metrics),
	}
	if noFastPath, _ := c.Flags().GetBool(NoFastPathKey); noFastPath {
		opts = append(opts, register.WithoutFastPath())
	}
	return register.NewClient(key, ids, s.directory.Load, register.StringTranscoder{}, opts...)
}

func registerGetFunc(c *cobra.Command, args []string) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		client, err := s.registerClient(c, args[0])
		if err != nil {
			return err
		}
		value, err := client.Read(ctx)
		if err != nil {
			return err
		}
		if value == nil {
			return fmt.Errorf("register %q is empty", args[0])
		}
		c.Println(*value)
		return nil
	})
}

func registerSetFunc(c *cobra.Command, args []string) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		client, err := s.registerClient(c, args[0])
		if err != nil {
			return err
		}
		value := args[1]
		if _, err := client.Write(ctx, func(*string) *string { return &value }); err != nil {
			return err
		}
		c.Println(value)
		return nil
	})
}

func modifyQuorumFunc(c *cobra.Command, args []string, change func(id int64) register.ReplicaUpdate) error {
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid replica ID %q", args[1])
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		client, err := s.registerClient(c, args[0])
		if err != nil {
			return err
		}
		want := change(id)
		got, err := client.ModifyQuorum(ctx, func([]int64) register.ReplicaUpdate { return want })
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("completed pending change %s instead of %s; run again", got, want)
		}
		c.Println(strings.Trim(fmt.Sprint(client.Replicas()), "[]"))
		return nil
	})
}
