package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrun/internal/agent"
	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/work"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage tasks in the task store",
	}

	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskDeleteCmd())
	cmd.AddCommand(taskServeCmd())

	return cmd
}

func loadTaskStore() (store.TaskStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildTaskStore(cfg)
}

func taskListCmd() *cobra.Command {
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := loadTaskStore()
			if err != nil {
				return err
			}
			var statusFilter store.TaskStatus
			if status != "" {
				statusFilter = store.TaskStatus(status)
			}
			tasks, total, err := ts.List(statusFilter, limit, offset)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			for _, t := range tasks {
				fmt.Printf("%s\t%-12s\t%s\n", t.ID, t.Status, t.Subject)
			}
			fmt.Printf("-- %d of %d\n", len(tasks), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|in_progress|completed|failed|deleted)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max tasks to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var subject, description, verifyCmd string
	var blockedBy []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := loadTaskStore()
			if err != nil {
				return err
			}
			task := &store.TaskData{
				Subject:       subject,
				Description:   description,
				Status:        store.TaskPending,
				BlockedBy:     blockedBy,
				VerifyCommand: verifyCmd,
			}
			created, err := ts.Create(task)
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			fmt.Println(created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "one-line task subject")
	cmd.Flags().StringVar(&description, "description", "", "full task description")
	cmd.Flags().StringVar(&verifyCmd, "verify", "", "shell command that verifies completion")
	cmd.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "comma-separated task IDs this task is blocked by")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := loadTaskStore()
			if err != nil {
				return err
			}
			task, err := ts.Get(args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			out, _ := json.MarshalIndent(task, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := loadTaskStore()
			if err != nil {
				return err
			}
			if err := ts.Delete(args[0]); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

// taskServeCmd runs the Work Loop: it builds a Loop for every configured
// agent (agents.list plus the default), polls the task store, dispatches
// claimed tasks to the named agent's Loop, and verifies completions against
// their VerifyCommand, until interrupted.
func taskServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Work Loop: poll and dispatch tasks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			rawTs, err := buildTaskStore(cfg)
			if err != nil {
				return fmt.Errorf("build task store: %w", err)
			}

			msgBus := bus.New()
			ts := store.NewBusTaskStore(rawTs, msgBus)
			registry := agent.NewRegistry()

			agentKeys := make(map[string]struct{})
			agentKeys[config.DefaultAgentID] = struct{}{}
			for k := range cfg.Agents.List {
				agentKeys[k] = struct{}{}
			}
			for key := range agentKeys {
				if _, _, err := buildAgentLoop(cfg, key, registry, nil); err != nil {
					return fmt.Errorf("build agent %q: %w", key, err)
				}
			}

			wc := cfg.Work
			loop := work.NewLoop(work.Config{
				Tasks:                 ts,
				Registry:              registry,
				Bus:                   msgBus,
				DefaultAgent:          config.DefaultAgentID,
				MaxConcurrentTasks:    wc.MaxConcurrentTasks,
				PollingInterval:       time.Duration(wc.PollingIntervalMs) * time.Millisecond,
				BudgetMaxTasksPerHour: wc.BudgetMaxTasksPerHour,
				DefaultTimeBudget:     time.Duration(wc.TurnTimeoutMs) * time.Millisecond,
			})

			verifier := work.NewVerifier(work.VerifierConfig{
				Tasks:      ts,
				Bus:        msgBus,
				Timeout:    time.Duration(wc.VerifyTimeoutMs) * time.Millisecond,
				KillGrace:  time.Duration(wc.VerifyKillGraceMs) * time.Millisecond,
				MaxRetries: wc.MaxRetries,
			})
			verifier.Subscribe(msgBus)

			cronSvc := work.NewCronService(ts)
			for _, sp := range wc.Schedules {
				s := &work.Schedule{
					ID:            sp.ID,
					Kind:          work.ScheduleKind(sp.Kind),
					Expression:    sp.Expression,
					Enabled:       sp.Enabled,
					Subject:       sp.Subject,
					Description:   sp.Description,
					AgentKey:      sp.Agent,
					VerifyCommand: sp.VerifyCommand,
				}
				if err := cronSvc.Add(s); err != nil {
					return fmt.Errorf("add schedule %q: %w", sp.ID, err)
				}
			}
			if len(wc.Schedules) > 0 {
				cronSvc.Start(time.Second)
				defer cronSvc.Stop()
			}

			loop.Start()
			fmt.Println("work loop started, press Ctrl+C to stop")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			loop.Stop("interrupted")
			return nil
		},
	}
}
