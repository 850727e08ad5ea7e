package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"caspaxos/internal/replog"
)

const NoFastPathKey = "no-fast-path"

func logCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "log",
		Short: "Reads and writes the replicated log",
	}
	c.PersistentFlags().Bool(NoFastPathKey, false, "Run every write through a full round")
	c.AddCommand(
		&cobra.Command{
			Use:   "write <index> <value>",
			Short: "Writes a value at an index",
			Args:  cobra.ExactArgs(2),
			RunE:  logWriteFunc,
		},
		&cobra.Command{
			Use:   "append <value>",
			Short: "Writes a value at the first free index",
			Args:  cobra.ExactArgs(1),
			RunE:  logAppendFunc,
		},
		&cobra.Command{
			Use:   "read <index>",
			Short: "Reads the value committed at an index",
			Args:  cobra.ExactArgs(1),
			RunE:  logReadFunc,
		},
		&cobra.Command{
			Use:   "last",
			Short: "Prints the highest index written on a quorum",
			Args:  cobra.NoArgs,
			RunE:  logLastFunc,
		},
		&cobra.Command{
			Use:   "next",
			Short: "Prints the first index with no committed value",
			Args:  cobra.NoArgs,
			RunE:  logNextFunc,
		},
	)
	return c
}

func (s *session) logClient(c *cobra.Command) *replog.Client {
	replicas := make([]replog.Replica, 0, len(s.cfg.Replicas))
	for _, r := range s.cfg.Replicas {
		replicas = append(replicas, s.manager.Log(r.Addr))
	}
	opts := []replog.Option{
		replog.WithPool(s.pool),
		replog.WithLogger(s.logger),
		replog.WithMetrics(s.metrics),
	}
	if noFastPath, _ := c.Flags().GetBool(NoFastPathKey); noFastPath {
		opts = append(opts, replog.WithoutFastPath())
	}
	return replog.NewClient(replicas, opts...)
}

func parseIndex(arg string) (int64, error) {
	index, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || index <= 0 {
		return 0, fmt.Errorf("index must be a positive integer, got %q", arg)
	}
	return index, nil
}

func printWrite(c *cobra.Command, index int64, res replog.WriteResult) {
	c.Printf("%d\t%s\t%s\n", index, res.Outcome, res.Value)
}

func logWriteFunc(c *cobra.Command, args []string) error {
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		res, err := s.logClient(c).WriteString(ctx, index, args[1])
		if err != nil {
			return err
		}
		printWrite(c, index, res)
		return nil
	})
}

func logAppendFunc(c *cobra.Command, args []string) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		client := s.logClient(c)
		index, err := client.NextIndex(ctx)
		if err != nil {
			return err
		}
		// Another writer can win the slot between NextIndex and Write; keep
		// moving forward until this value is committed somewhere.
		for {
			res, err := client.WriteString(ctx, index, args[0])
			if err != nil {
				return err
			}
			if res.Committed() {
				printWrite(c, index, res)
				return nil
			}
			index++
		}
	})
}

func logReadFunc(c *cobra.Command, args []string) error {
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		value, ok, err := s.logClient(c).ReadString(ctx, index)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("index %d: no value committed", index)
		}
		c.Println(value)
		return nil
	})
}

func logLastFunc(c *cobra.Command, _ []string) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		last, err := s.logClient(c).ReadLastIndex(ctx)
		if err != nil {
			return err
		}
		c.Println(last)
		return nil
	})
}

func logNextFunc(c *cobra.Command, _ []string) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	return s.run(c.Context(), func(ctx context.Context) error {
		next, err := s.logClient(c).NextIndex(ctx)
		if err != nil {
			return err
		}
		c.Println(next)
		return nil
	})
}
