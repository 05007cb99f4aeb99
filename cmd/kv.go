package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"

	"github.com/kvkolb/kvcore/rpc"
)

var collectionName string

func hashKey(key string) uint64 { return xxhash.Sum64String(key) }

// resolveCollection maps a collection name (possibly empty, meaning the
// default collection) to its numeric handle, opening it on the server if
// it does not exist yet.
func resolveCollection(c *rpc.Client, name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	resp, err := c.Call(&rpc.Message{Type: rpc.MsgCollectionOpen, Name: name})
	if err != nil {
		return 0, err
	}
	return resp.Collection, nil
}

var openCmd = &cobra.Command{
	Use:   "open <collection>",
	Short: "create or look up a named collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := rpc.NewClient(serverAddr)
		resp, err := c.Call(&rpc.Message{Type: rpc.MsgCollectionOpen, Name: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("collection %q -> %d\n", args[0], resp.Collection)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "write a key-value pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := rpc.NewClient(serverAddr)
		col, err := resolveCollection(c, collectionName)
		if err != nil {
			return err
		}
		_, err = c.Call(&rpc.Message{Type: rpc.MsgWrite, Collection: col, Key: hashKey(args[0]), Value: []byte(args[1])})
		if err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "read a value by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := rpc.NewClient(serverAddr)
		col, err := resolveCollection(c, collectionName)
		if err != nil {
			return err
		}
		resp, err := c.Call(&rpc.Message{Type: rpc.MsgRead, Collection: col, Key: hashKey(args[0])})
		if err != nil {
			return err
		}
		if !resp.Present {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(resp.Value))
		return nil
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := rpc.NewClient(serverAddr)
		col, err := resolveCollection(c, collectionName)
		if err != nil {
			return err
		}
		_, err = c.Call(&rpc.Message{Type: rpc.MsgWrite, Collection: col, Key: hashKey(args[0]), Delete: true})
		if err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <fromKey> <maxCount>",
	Short: "list keys from fromKey (hashed) up to maxCount entries",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromKey, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("fromKey must be a raw uint64 hash, not a string key: %w", err)
		}
		maxCount, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		c := rpc.NewClient(serverAddr)
		col, err := resolveCollection(c, collectionName)
		if err != nil {
			return err
		}
		resp, err := c.Call(&rpc.Message{Type: rpc.MsgScan, Collection: col, FromKey: fromKey, MaxCount: maxCount})
		if err != nil {
			return err
		}
		for _, e := range resp.Entries {
			fmt.Printf("%d\t(%d bytes)\n", e.Key, e.ValueLen)
		}
		return nil
	},
}

var txnCmd = &cobra.Command{
	Use:   "txn <key=value>...",
	Short: "apply several writes atomically in one transaction",
	Long:  "Apply one or more key=value writes atomically. Use key=- to delete a key within the same transaction.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := rpc.NewClient(serverAddr)
		col, err := resolveCollection(c, collectionName)
		if err != nil {
			return err
		}

		begin, err := c.Call(&rpc.Message{Type: rpc.MsgTxnBegin})
		if err != nil {
			return err
		}
		txnID := begin.TxnID

		for _, kv := range args {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("malformed key=value pair: %q", kv)
			}
			write := &rpc.Message{Type: rpc.MsgWrite, TxnID: txnID, Collection: col, Key: hashKey(key)}
			if value == "-" {
				write.Delete = true
			} else {
				write.Value = []byte(value)
			}
			if _, err := c.Call(write); err != nil {
				_, _ = c.Call(&rpc.Message{Type: rpc.MsgTxnFree, TxnID: txnID})
				return err
			}
		}

		commit, err := c.Call(&rpc.Message{Type: rpc.MsgTxnCommit, TxnID: txnID})
		if err != nil {
			return err
		}
		fmt.Printf("committed at seq %d\n", commit.Seq)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{putCmd, getCmd, delCmd, scanCmd, txnCmd} {
		c.Flags().StringVar(&collectionName, "collection", "", "collection name (default collection if empty)")
	}
}
