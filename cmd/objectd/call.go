package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/go-objects/internal/client"
)

func newCallCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <ws-url> <method> [json-args...]",
		Short: "Call a method on an actor over its duplex channel",
		Long: `Call a method on an actor over its duplex channel.

Arguments that are not valid JSON are sent as strings.

Example:
  objectd call ws://localhost:8080/objects/customer/acme/ws customers.create '{"name":"Acme"}'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := client.Dial(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			callArgs := make([]any, 0, len(args)-2)
			for _, a := range args[2:] {
				callArgs = append(callArgs, parseArg(a))
			}
			raw, err := c.Call(ctx, args[1], callArgs...)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				out.Reset()
				out.Write(raw)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "call timeout")
	return cmd
}

func parseArg(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
