package cli

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/mgmtapi/pkg/client"
	"github.com/strand-protocol/strand/mgmtapi/pkg/ops"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a management server answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		start := time.Now()
		version, err := c.Ping(ctx)
		if err != nil {
			return fmt.Errorf("ping %s: %w", targetAddr(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pong from %s: protocol version %d, rtt %s\n",
			targetAddr(), version, time.Since(start).Round(time.Microsecond))
		return nil
	},
}

var doubleBatch int32

var doubleCmd = &cobra.Command{
	Use:   "double VALUE...",
	Short: "Double each value on the server, all requests in flight at once",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values := make([]int32, len(args))
		for i, a := range args {
			v, err := strconv.ParseInt(a, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", a, err)
			}
			values[i] = int32(v)
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		futures := make([]*client.Future[int32], len(values))
		for i, v := range values {
			var req client.Request[int32] = ops.DoubleRequest{Value: v}
			if doubleBatch > 0 {
				req = client.InBatch(req, doubleBatch)
			}
			futures[i], err = client.Execute(ctx, c.Strategy(), req)
			if err != nil {
				return fmt.Errorf("double %d: %w", v, err)
			}
		}

		results := make([]int32, len(values))
		errs := make([]error, len(values))
		var wg sync.WaitGroup
		for i, f := range futures {
			wg.Add(1)
			go func(i int, f *client.Future[int32]) {
				defer wg.Done()
				results[i], errs[i] = f.Get(ctx)
			}(i, f)
		}
		wg.Wait()

		for i, v := range values {
			if errs[i] != nil {
				return fmt.Errorf("double %d: %w", v, errs[i])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d -> %d\n", v, results[i])
		}
		return nil
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo TEXT...",
	Short: "Send text to the server and print what comes back",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		data, err := client.ExecuteForResult[[]byte](ctx, c.Strategy(), ops.EchoRequest{Data: []byte(strings.Join(args, " "))})
		if err != nil {
			return fmt.Errorf("echo: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	doubleCmd.Flags().Int32Var(&doubleBatch, "batch", 0, "send the requests in this batch id")
	rootCmd.AddCommand(pingCmd, doubleCmd, echoCmd)
}
