package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/avi3tal/coordinator/pkg/agents"
	"github.com/avi3tal/coordinator/pkg/types"
)

// requestFlags are shared by run and plan.
type requestFlags struct {
	planFile    string
	artifacts   []string
	allow       []string
	remotes     []string
	timeout     time.Duration
	nodeTimeout time.Duration
	maxAttempts int
	iterations  int
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.planFile, "plan", "p", "", "structured request file (yaml)")
	cmd.Flags().StringSliceVarP(&f.artifacts, "artifact", "a", nil, "artifact reference, repeatable")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "restrict planning to these capabilities; structured plans using others are rejected")
	cmd.Flags().StringArrayVar(&f.remotes, "remote", nil, "register a remote worker as tag=url, repeatable")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "workflow deadline (default scheduler.workflow_timeout)")
	cmd.Flags().DurationVar(&f.nodeTimeout, "node-timeout", 0, "per-attempt timeout for every node")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "attempts per node, including the first")
	cmd.Flags().IntVar(&f.iterations, "max-iterations", 0, "iteration budget handed to each worker")
}

// request builds the workflow request from the plan file or the goal
// arguments. Flags override values from the file.
func (f *requestFlags) request(args []string) (types.WorkflowRequest, error) {
	var req types.WorkflowRequest
	if f.planFile != "" {
		b, err := os.ReadFile(f.planFile)
		if err != nil {
			return req, fmt.Errorf("read plan: %w", err)
		}
		if err := yaml.Unmarshal(b, &req); err != nil {
			return req, fmt.Errorf("parse plan %s: %w", f.planFile, err)
		}
	}
	if goal := strings.TrimSpace(strings.Join(args, " ")); goal != "" {
		req.Goal = goal
	}
	if req.Goal == "" && !req.Structured() {
		return req, fmt.Errorf("a goal or a --plan file is required")
	}

	for _, a := range f.artifacts {
		req.Artifacts = append(req.Artifacts, types.ArtifactRef{ID: a})
	}
	if len(f.allow) > 0 {
		req.Config.AllowedCapabilities = f.allow
	}
	if f.timeout > 0 {
		req.Config.Timeout = f.timeout
	}
	if f.nodeTimeout > 0 {
		req.Config.NodeTimeout = f.nodeTimeout
	}
	if f.maxAttempts > 0 {
		req.Config.MaxAttempts = f.maxAttempts
	}
	if f.iterations > 0 {
		req.Config.MaxIterations = f.iterations
	}
	return req, nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		flags  requestFlags
		asJSON bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "run [goal...]",
		Short: "Decompose a goal and execute it",
		Long: `Decompose a goal (or a structured --plan file) into subtasks and execute them.

Examples:
  coordinator run "analyze sales.csv and research competitors, then write a report" -a sales.csv
  coordinator run --plan plan.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			c, err := a.newCoordinator(flags.remotes)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close(context.Background()) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if watch {
				watchCtx, cancel := context.WithCancel(ctx)
				events := c.Subscribe(watchCtx)
				done := make(chan struct{})
				go func() {
					defer close(done)
					for msg := range events {
						if msg.Payload.NodeID != "" {
							printEvent(a.stderr, msg.Payload)
						}
					}
				}()
				defer func() {
					cancel()
					<-done
				}()
			}

			res, err := c.Execute(ctx, req)
			if asJSON {
				if perr := printJSON(a.stdout, res); perr != nil {
					return perr
				}
			} else {
				printResult(a.stdout, res)
			}
			if err != nil {
				return err
			}
			if res.Status == types.WorkflowFailed {
				return fmt.Errorf("workflow %s failed", res.WorkflowID)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream node transitions to stderr")
	return cmd
}

// parseRemotes turns tag=url pairs into remote workers. An optional
// @name suffix on the tag names the worker: research@search=http://...
func parseRemotes(specs []string) ([]types.Capability, error) {
	caps := make([]types.Capability, 0, len(specs))
	for _, s := range specs {
		key, endpoint, ok := strings.Cut(s, "=")
		if !ok || key == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid --remote %q, want tag=url", s)
		}
		tag, name, _ := strings.Cut(key, "@")
		if name == "" {
			name = "remote-" + tag
		}
		caps = append(caps, agents.NewRemote(types.CapabilitySpec{Tag: tag, Name: name, MaxConcurrency: 4}, endpoint))
	}
	return caps, nil
}
