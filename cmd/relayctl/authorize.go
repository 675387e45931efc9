// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"net/netip"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// errDenied makes the command exit non-zero without extra output.
var errDenied = errors.New("denied")

// AuthorizeResult is the authorize command output.
type AuthorizeResult struct {
	Topic   string `json:"topic" yaml:"topic"`
	Addr    string `json:"addr" yaml:"addr"`
	Allowed bool   `json:"allowed" yaml:"allowed"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func authorizeCmd() *cobra.Command {
	var topicName, addr string

	cmd := &cobra.Command{
		Use:   "authorize [config]",
		Short: "Check whether an address may post to a topic",
		Long: `Evaluate a topic's allow-list for one source address without
running the relay. Exits 1 when the address is denied.

Examples:
  relayctl authorize config.yaml --topic myLab --addr 192.168.69.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, _, err := loadRegistry(args)
			if err != nil {
				return err
			}

			a, err := netip.ParseAddr(addr)
			if err != nil {
				return fmt.Errorf("invalid --addr: %w", err)
			}
			a = a.Unmap()

			result := AuthorizeResult{Topic: topicName, Addr: a.String()}
			t, ok := reg.Lookup(topicName)
			switch {
			case !ok:
				result.Reason = "topic not found"
			case !reg.IsAuthorized(t, a):
				result.Reason = "address not in allow-list"
			default:
				result.Allowed = true
			}

			if err := render(cmd.OutOrStdout(), result, func(tw *tabwriter.Writer) {
				if result.Allowed {
					fmt.Fprintf(tw, "allowed: %s -> %s\n", result.Addr, result.Topic)
					return
				}
				fmt.Fprintf(tw, "denied: %s -> %s (%s)\n", result.Addr, result.Topic, result.Reason)
			}); err != nil {
				return err
			}
			if !result.Allowed {
				return errDenied
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&topicName, "topic", "", "Topic name (required)")
	cmd.Flags().StringVar(&addr, "addr", "", "Source address (required)")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("addr")

	return cmd
}
