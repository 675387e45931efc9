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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hookrelay/relay/internal/relayclient"
)

func sendCmd() *cobra.Command {
	var (
		url, topicName, sender, message, file string
		timeout                               time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Post a test message to a running relay",
		Long: `Send a message the way a device would. Text alone goes out as
text/plain; with --file the request is multipart/form-data.

Examples:
  relayctl send --url http://relay:8080 --topic myLab --sender laptop --message "test"
  relayctl send --url http://relay:8080 --topic myLab --sender backup --file report.txt`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var text *string
			if cmd.Flags().Changed("message") {
				text = &message
			}

			var att *relayclient.File
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read --file: %w", err)
				}
				att = &relayclient.File{Name: filepath.Base(file), Content: data}
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			reply, err := relayclient.New(url, timeout).Send(ctx, topicName, sender, text, att)
			if err != nil {
				return err
			}

			if err := render(cmd.OutOrStdout(), reply, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "HTTP %d  request %s  %s%s\n", reply.StatusCode, reply.RequestID, reply.Status, reply.Error)
				if len(reply.Outcomes) > 0 {
					fmt.Fprintln(tw, "\nRECIPIENT\tSTATUS\tERROR")
					for _, o := range reply.Outcomes {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Recipient, o.Status, o.Error)
					}
				}
			}); err != nil {
				return err
			}
			if !reply.OK() {
				return fmt.Errorf("relay answered HTTP %d", reply.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Relay base URL")
	cmd.Flags().StringVar(&topicName, "topic", "", "Topic name (required)")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender name (required)")
	cmd.Flags().StringVar(&message, "message", "", "Message text")
	cmd.Flags().StringVar(&file, "file", "", "File to attach")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("sender")
	cmd.MarkFlagsOneRequired("message", "file")

	return cmd
}
