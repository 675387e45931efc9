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
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hookrelay/relay/internal/config"
	"github.com/hookrelay/relay/internal/topic"
)

// TopicSummary is one row of check output.
type TopicSummary struct {
	Name       string   `json:"name" yaml:"name"`
	Recipients []string `json:"recipients" yaml:"recipients"`
	AllowList  []string `json:"allow_list" yaml:"allow_list"`
}

// CheckResult is the check command output.
type CheckResult struct {
	Path    string         `json:"path" yaml:"path"`
	Backend string         `json:"backend" yaml:"backend"`
	Mode    string         `json:"mode" yaml:"mode"`
	Topics  []TopicSummary `json:"topics" yaml:"topics"`
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [config]",
		Short: "Validate a config file and list its topics",
		Long: `Load a config file exactly as the relay does and build the topic
registry. Exits non-zero on any configuration error.

Examples:
  relayctl check /app/config/config.yaml
  CONFIG_PATH=relay.toml relayctl check -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCheck,
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	path, reg, cfg, err := loadRegistry(args)
	if err != nil {
		return err
	}

	result := CheckResult{Path: path, Backend: cfg.Backend, Mode: cfg.Mode}
	for _, name := range reg.Names() {
		t, _ := reg.Lookup(name)
		s := TopicSummary{Name: name, Recipients: t.Recipients()}
		for _, n := range t.AllowList() {
			s.AllowList = append(s.AllowList, n.String())
		}
		result.Topics = append(result.Topics, s)
	}

	return render(cmd.OutOrStdout(), result, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "config %s OK (backend=%s, mode=%s)\n\n", result.Path, result.Backend, result.Mode)
		fmt.Fprintln(tw, "TOPIC\tRECIPIENTS\tALLOW")
		for _, s := range result.Topics {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, strings.Join(s.Recipients, ","), strings.Join(s.AllowList, ","))
		}
	})
}

// loadRegistry loads the config named by args (or CONFIG_PATH) and builds
// its registry.
func loadRegistry(args []string) (string, *topic.Registry, *config.Config, error) {
	var arg string
	if len(args) > 0 {
		arg = args[0]
	}
	path := config.ResolvePath(arg)

	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, nil, err
	}
	reg, err := topic.NewRegistry(cfg.Topics)
	if err != nil {
		return path, nil, nil, err
	}
	return path, reg, cfg, nil
}
