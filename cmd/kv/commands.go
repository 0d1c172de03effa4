package kv

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvasir-db/kvasir/cmd/util"
	"github.com/kvasir-db/kvasir/lib/engine/value"
	"github.com/kvasir-db/kvasir/rpc/proto"
)

var (
	flagTTL  uint64
	flagType string

	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(args[1])
			if err != nil {
				return err
			}
			if err := rpcClient.Set(args[0], v, ttl()); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
	setNXCmd = &cobra.Command{
		Use:   "setnx [key] [value]",
		Short: "Sets the value for a key only if the key is not already set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(args[1])
			if err != nil {
				return err
			}
			ok, err := rpcClient.SetNX(args[0], v, ttl())
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, ok, err := rpcClient.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(nil)")
				return nil
			}
			fmt.Println(v.String())
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := rpcClient.Delete(args[0])
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
	existsCmd = &cobra.Command{
		Use:   "exists [key]",
		Short: "Checks whether a key holds a live value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := rpcClient.Exists(args[0])
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [key] [delta]",
		Short: "Adds delta to an integer key, creating it at zero",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := parseDelta(args)
			if err != nil {
				return err
			}
			n, err := rpcClient.Incr(args[0], delta)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	decrCmd = &cobra.Command{
		Use:   "decr [key] [delta]",
		Short: "Subtracts delta from an integer key, creating it at zero",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := parseDelta(args)
			if err != nil {
				return err
			}
			n, err := rpcClient.Decr(args[0], delta)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	mgetCmd = &cobra.Command{
		Use:   "mget [key]...",
		Short: "Reads several keys at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := rpcClient.MGet(args...)
			if err != nil {
				return err
			}
			for i, v := range vals {
				if v == nil {
					fmt.Printf("%s: (nil)\n", args[i])
				} else {
					fmt.Printf("%s: %s\n", args[i], v.String())
				}
			}
			return nil
		},
	}
	msetCmd = &cobra.Command{
		Use:   "mset [key value]...",
		Short: "Sets several keys at once",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected key value pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs := make([]proto.Pair, 0, len(args)/2)
			for i := 0; i < len(args); i += 2 {
				pairs = append(pairs, proto.Pair{Key: args[i], Value: value.NewString(args[i+1])})
			}
			if err := rpcClient.MSet(pairs, 0); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
	mdelCmd = &cobra.Command{
		Use:   "mdel [key]...",
		Short: "Deletes several keys at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcClient.MDel(args...)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d\n", n)
			return nil
		},
	}
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Checks that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := rpcClient.Ping(); err != nil {
				return err
			}
			fmt.Printf("PONG (%s)\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints server statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rpcClient.Info()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(info))
			for k := range info {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-22s: %s\n", k, info[k].String())
			}
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{setCmd, setNXCmd} {
		c.Flags().Uint64Var(&flagTTL, "ttl", 0, util.WrapString("Time to live in seconds (0 = no expiry)"))
		c.Flags().StringVar(&flagType, "type", "string", util.WrapString("How to interpret the value: string, int, float, decimal, bytes or null"))
	}
}

func ttl() time.Duration {
	return time.Duration(flagTTL) * time.Second
}

// parseValue interprets a command line argument according to --type.
func parseValue(arg string) (value.Value, error) {
	switch flagType {
	case "string":
		return value.NewString(arg), nil
	case "int":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("value must be an integer: %w", err)
		}
		return value.NewInt(n), nil
	case "float":
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("value must be a float: %w", err)
		}
		return value.NewFloat(f), nil
	case "decimal":
		return value.NewDecimal(arg)
	case "bytes":
		return value.NewBytes([]byte(arg)), nil
	case "null":
		return value.Null(), nil
	default:
		return value.Value{}, fmt.Errorf("invalid type %q", flagType)
	}
}

func parseDelta(args []string) (int64, error) {
	if len(args) < 2 {
		return 1, nil
	}
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("delta must be a number: %w", err)
	}
	return delta, nil
}
