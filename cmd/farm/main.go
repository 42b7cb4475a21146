// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Farm is the fleet operator CLI. It talks to the admin API of any
// Full node: inspect the registry, decide membership, and dispatch
// tasks to relay nodes over their heartbeat channel.
//
// The target node and shared secret come from --server / --secret, the
// FARM_SERVER / FARM_SECRET environment variables, or a --config file
// (the same YAML the daemon reads).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/chhuo/server-farm/lib/config"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/version"
)

const usage = `farm - server farm operator CLI

USAGE
    farm [flags] <command> [args]

COMMANDS
    nodes                     list known nodes
    approve <node-id>         approve a pending join request
    reject <node-id>          reject a pending join request
    kick <node-id> [reason]   expel a node from the network
    run <node-id> <command>   dispatch a command to a node
    tasks                     list tasks
    task <task-id>            show one task
    audit                     list membership and task decisions
    version                   print version information

FLAGS
    --server URL      admin API base URL (default http://localhost:8300,
                      or FARM_SERVER)
    --secret SECRET   cluster shared secret (or FARM_SECRET)
    --config PATH     daemon config file to read the secret from
    --timeout SECS    command timeout for "run" (default 300)
    --wait            "run" polls until the task finishes and prints
                      its output
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("farm", pflag.ContinueOnError)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	server := flags.String("server", "", "admin API base URL")
	secret := flags.String("secret", "", "cluster shared secret")
	configPath := flags.String("config", "", "daemon config file to read the secret from")
	timeoutSeconds := flags.Int("timeout", 300, "command timeout in seconds for run")
	wait := flags.Bool("wait", false, "poll until the dispatched task finishes")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		return errors.New("no command given")
	}
	command, args := args[0], args[1:]

	if command == "version" {
		fmt.Printf("farm %s\n", version.Info())
		return nil
	}

	client, err := buildClient(*server, *secret, *configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch command {
	case "nodes":
		return cmdNodes(ctx, client)
	case "approve":
		if len(args) != 1 {
			return errors.New("usage: farm approve <node-id>")
		}
		record, err := client.approve(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("approved %s (%s)\n", record.NodeID, record.Fingerprint)
		return nil
	case "reject":
		if len(args) != 1 {
			return errors.New("usage: farm reject <node-id>")
		}
		if err := client.reject(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("rejected %s\n", args[0])
		return nil
	case "kick":
		if len(args) < 1 {
			return errors.New("usage: farm kick <node-id> [reason]")
		}
		record, err := client.kick(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("kicked %s at %s\n", record.NodeID,
			time.Unix(record.KickedAt, 0).UTC().Format(time.RFC3339))
		return nil
	case "run":
		if len(args) < 2 {
			return errors.New("usage: farm run <node-id> <command>")
		}
		return cmdRun(ctx, client, args[0], strings.Join(args[1:], " "), *timeoutSeconds, *wait)
	case "tasks":
		return cmdTasks(ctx, client)
	case "audit":
		return cmdAudit(ctx, client)
	case "task":
		if len(args) != 1 {
			return errors.New("usage: farm task <task-id>")
		}
		task, err := client.getTask(ctx, args[0])
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// buildClient resolves the server URL and secret from flags, the
// environment, and optionally the daemon's own config file.
func buildClient(server, secret, configPath string) (*adminClient, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if secret == "" {
			secret = cfg.Security.ClusterSecret
		}
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
	}
	if server == "" {
		server = os.Getenv("FARM_SERVER")
	}
	if server == "" {
		server = "http://localhost:8300"
	}
	if secret == "" {
		secret = os.Getenv("FARM_SECRET")
	}
	if secret == "" {
		return nil, errors.New("no cluster secret: pass --secret, set FARM_SECRET, or point --config at the daemon config")
	}
	return newAdminClient(strings.TrimRight(server, "/"), secret), nil
}

func cmdNodes(ctx context.Context, client *adminClient) error {
	views, err := client.listNodes(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tMODE\tTRUST\tSTATUS\tLAST SEEN\tADDRESS")
	for _, view := range views {
		status, lastSeen := "-", "-"
		if view.State != nil {
			status = string(view.State.Status)
			if view.State.LastSeen > 0 {
				lastSeen = time.Unix(view.State.LastSeen, 0).UTC().Format(time.RFC3339)
			}
		}
		address := "-"
		if view.Record.Connectable {
			address = view.Record.URL()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			view.Record.NodeID, view.Record.Mode, view.Record.TrustStatus,
			status, lastSeen, address)
	}
	return w.Flush()
}

func cmdRun(ctx context.Context, client *adminClient, target, command string, timeoutSeconds int, wait bool) error {
	task, err := client.createTask(ctx, target, command, timeoutSeconds)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		// Direct execution path: the target was reachable and the
		// result came back on the create call.
		printTask(task)
		if task.Status != schema.TaskCompleted {
			return fmt.Errorf("task %s: %s", task.TaskID, task.Status)
		}
		return nil
	}
	fmt.Printf("task %s dispatched to %s\n", task.TaskID, task.TargetNodeID)
	if !wait {
		return nil
	}

	// The task rides the target's heartbeat, so completion takes at
	// least one heartbeat to deliver and another to report.
	for !task.Status.Terminal() {
		time.Sleep(2 * time.Second)
		task, err = client.getTask(ctx, task.TaskID)
		if err != nil {
			return err
		}
	}
	printTask(task)
	if task.Status != schema.TaskCompleted {
		return fmt.Errorf("task %s: %s", task.TaskID, task.Status)
	}
	return nil
}

func cmdTasks(ctx context.Context, client *adminClient) error {
	all, err := client.listTasks(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTARGET\tSTATUS\tCREATED\tCOMMAND")
	for _, task := range all {
		command := task.Command
		if len(command) > 48 {
			command = command[:45] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.TaskID, task.TargetNodeID, task.Status,
			time.Unix(task.CreatedAt, 0).UTC().Format(time.RFC3339), command)
	}
	return w.Flush()
}

func cmdAudit(ctx context.Context, client *adminClient) error {
	entries, err := client.listAudit(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tSUBJECT\tDETAIL")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			time.Unix(entry.Time, 0).UTC().Format(time.RFC3339),
			entry.Action, entry.Actor, entry.Subject, entry.Detail)
	}
	return w.Flush()
}

func printTask(task schema.Task) {
	fmt.Printf("task:    %s\n", task.TaskID)
	fmt.Printf("target:  %s\n", task.TargetNodeID)
	fmt.Printf("command: %s\n", task.Command)
	fmt.Printf("status:  %s\n", task.Status)
	if task.Status.Terminal() {
		fmt.Printf("exit:    %d\n", task.ExitCode)
	}
	if task.Stdout != "" {
		fmt.Printf("--- stdout ---\n%s", ensureNewline(task.Stdout))
	}
	if task.Stderr != "" {
		fmt.Printf("--- stderr ---\n%s", ensureNewline(task.Stderr))
	}
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
