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
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/hookrelay/relay/internal/audit"
)

// openDB connects to the outcome database. Replaced in tests.
var openDB = func(ctx context.Context, url string) (audit.DB, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func outcomesCmd() *cobra.Command {
	var (
		dbURL string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List recent delivery outcomes",
		Long: `List the newest per-recipient delivery outcomes recorded by a
relay running with database.url set.

Examples:
  relayctl outcomes --database-url postgres://relay@db/relay --limit 20
  DATABASE_URL=postgres://... relayctl outcomes -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbURL == "" {
				dbURL = os.Getenv("DATABASE_URL")
			}
			if dbURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, closeDB, err := openDB(ctx, dbURL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer closeDB()

			entries, err := audit.Open(db).ListRecent(ctx, limit)
			if err != nil {
				return fmt.Errorf("list outcomes: %w", err)
			}

			return render(cmd.OutOrStdout(), entries, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "TIME\tREQUEST\tTOPIC\tSENDER\tRECIPIENT\tSTATUS\tATTEMPTS\tERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.RequestID, e.Topic, e.Sender,
						e.Recipient, e.Status, e.Attempts, e.Error)
				}
			})
		},
	}

	cmd.Flags().StringVar(&dbURL, "database-url", "", "Postgres URL (default $DATABASE_URL)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show")

	return cmd
}
