package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"geocache/pkg/rpc"
	"geocache/pkg/store"
)

const usage = `usage: geocachectl [flags] <command> [args]

commands:
  get <key>                 print the value of key
  set <key> <value|->       write key; "-" reads the value from stdin
  del <key>                 delete key
  expire <key> <ttl>        reset the ttl of a live key
  health                    print the region's health report
`

func main() {
	var (
		addr    = flag.String("addr", "localhost:8080", "region address host:port")
		ttl     = flag.Duration("ttl", 0, "ttl for set; 0 uses the server default, negative disables expiration")
		pin     = flag.Bool("pin", false, "pin the key against LRU eviction on set")
		typ     = flag.String("type", "", "value type tag for set")
		timeout = flag.Duration("timeout", 5*time.Second, "request timeout")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage, "\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := rpc.NewClient(*addr)
	if err := run(ctx, c, flag.Args(), store.SetOptions{TTL: *ttl, Pin: *pin}, *typ, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "geocachectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c rpc.Cache, args []string, opts store.SetOptions, typ string, in io.Reader, out io.Writer) error {
	cmd, args := args[0], args[1:]

	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(args))
		}
		return nil
	}

	switch cmd {
	case "get":
		if err := need(1); err != nil {
			return err
		}
		v, ok, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: not found", args[0])
		}
		_, err = fmt.Fprintf(out, "%s\n", v.Data)
		return err

	case "set":
		if err := need(2); err != nil {
			return err
		}
		data := []byte(args[1])
		if args[1] == "-" {
			var err error
			if data, err = io.ReadAll(in); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}
		ver, err := c.SetWithOptions(ctx, args[0], store.Value{Data: data, Type: typ}, opts)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, ver)
		return err

	case "del":
		if err := need(1); err != nil {
			return err
		}
		ver, err := c.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, ver)
		return err

	case "expire":
		if err := need(2); err != nil {
			return err
		}
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("expire: %w", err)
		}
		ok, err := c.Expire(ctx, args[0], d)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: not found", args[0])
		}
		_, err = fmt.Fprintln(out, "OK")
		return err

	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}

	return fmt.Errorf("unknown command %q", cmd)
}
