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

// relayctl is the operator CLI for the relay.
//
// Usage:
//
//	relayctl check config.yaml
//	relayctl authorize config.yaml --topic myLab --addr 192.168.69.5
//	relayctl send --url http://relay:8080 --topic myLab --sender me --message "hello"
//	relayctl outcomes --database-url postgres://... --limit 20
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	outputFmt string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Inspect and exercise a relay deployment",
		Long: `relayctl validates relay configuration, answers authorization
questions offline, sends test messages and lists recorded delivery outcomes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(authorizeCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(outcomesCmd())

	return rootCmd
}
