// Command unifycrctl is an operator/test tool for exercising a running
// unifycrd delegator by hand or from a test script: create, fsync, read,
// stat, unlink, and stats each issue one RPC and print the reply.
// Grounded on the teacher repo's ron package, which pairs a
// long-running server with a small command-sending client in the same
// module.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/rpc"
	"github.com/unifycr/unifycr/transport"
)

const targetRank = 0

func main() {
	var target string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "unifycrctl",
		Short: "operator tool for a running unifycrd delegator",
	}
	root.PersistentFlags().StringVar(&target, "target", "127.0.0.1:4242", "delegator address to connect to")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "RPC timeout")

	root.AddCommand(
		createCmd(&target, &timeout),
		statCmd(&target, &timeout),
		unlinkCmd(&target, &timeout),
		statsCmd(&target, &timeout),
		readCmd(&target, &timeout),
		fsyncCmd(&target, &timeout),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// call dials target as a one-shot transport.Node, issues one RPC, and
// tears the node down - unifycrctl is a script-friendly one-shot tool,
// not a long-running client.
func call(target string, timeout time.Duration, kind rpc.Kind, req interface{}, reply interface{}) error {
	node, err := transport.NewNode(-1, "127.0.0.1:0", map[int]string{targetRank: target}, func(req rpc.Envelope) rpc.Envelope {
		return rpc.Envelope{}
	})
	if err != nil {
		return err
	}
	defer node.Close()

	payload, err := rpc.Encode(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	env, err := node.Call(ctx, targetRank, kind, payload)
	if err != nil {
		return err
	}
	return rpc.Decode(env.Payload, reply)
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func createCmd(target *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "create <filename>",
		Short: "originate a gfid for a filename and register its attribute record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply rpc.CreateReply
			if err := call(*target, *timeout, rpc.KindCreate, rpc.CreateRequest{Filename: args[0]}, &reply); err != nil {
				return err
			}
			if reply.Err != "" {
				return fmt.Errorf("create: %s", reply.Err)
			}
			printJSON(reply)
			return nil
		},
	}
}

func statCmd(target *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <gfid>",
		Short: "print a file's attribute record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gfid, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			var reply rpc.StatReply
			if err := call(*target, *timeout, rpc.KindStat, rpc.StatRequest{Gfid: gfid}, &reply); err != nil {
				return err
			}
			if reply.Err != "" {
				return fmt.Errorf("stat: %s", reply.Err)
			}
			printJSON(reply.Attr)
			return nil
		},
	}
}

func unlinkCmd(target *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <gfid>",
		Short: "remove a file's attribute and extent records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gfid, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			var reply rpc.UnlinkReply
			if err := call(*target, *timeout, rpc.KindUnlink, rpc.UnlinkRequest{Gfid: gfid}, &reply); err != nil {
				return err
			}
			if reply.Err != "" {
				return fmt.Errorf("unlink: %s", reply.Err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func statsCmd(target *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print a delegator's fsync/read counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply rpc.StatsReply
			if err := call(*target, *timeout, rpc.KindStats, rpc.StatsRequest{}, &reply); err != nil {
				return err
			}
			printJSON(reply)
			fmt.Printf("synced %s across %d fsync call(s), served %s of reads (%d short)\n",
				humanize.Bytes(reply.BytesSynced), reply.FsyncCount,
				humanize.Bytes(reply.ReadBytesServed), reply.ShortReadCount)
			return nil
		},
	}
}

func readCmd(target *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "read <gfid> <start> <end>",
		Short: "resolve the extents covering [start, end) of a file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			gfid, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			start, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			end, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return err
			}

			var reply rpc.ReadReply
			req := rpc.ReadRequest{Gfid: gfid, Start: start, End: end}
			if err := call(*target, *timeout, rpc.KindRead, req, &reply); err != nil {
				return err
			}
			if reply.Err != "" {
				return fmt.Errorf("read: %s", reply.Err)
			}
			printJSON(reply)
			return nil
		},
	}
}

func fsyncCmd(target *string, timeout *time.Duration) *cobra.Command {
	var addr, length, offset uint64
	var gfid uint64

	cmd := &cobra.Command{
		Use:   "fsync",
		Short: "durably register one extent and attribute update for a file (scripted test use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rpc.FsyncRequest{
				Gfid: gfid,
				Extents: []index.Extent{
					{Key: index.ExtentKey{Fid: gfid, Offset: offset}, Value: index.ExtentValue{Addr: addr, Len: length}},
				},
				Attr: index.FileAttr{Fid: gfid, Gfid: gfid, FileSize: offset + length},
			}
			var reply rpc.FsyncReply
			if err := call(*target, *timeout, rpc.KindFsync, req, &reply); err != nil {
				return err
			}
			if reply.Err != "" {
				return fmt.Errorf("fsync: %s", reply.Err)
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().Uint64Var(&gfid, "gfid", 0, "file id")
	cmd.Flags().Uint64Var(&offset, "offset", 0, "logical byte offset")
	cmd.Flags().Uint64Var(&addr, "addr", 0, "physical byte offset in the client's data log")
	cmd.Flags().Uint64Var(&length, "len", 0, "extent length in bytes")
	return cmd
}
