package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/orchestrator"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Run and inspect tasks",
	}
	cmd.AddCommand(newTaskRunCmd())
	return cmd
}

func newTaskRunCmd() *cobra.Command {
	var (
		inputs []string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "run <plan>/<task>",
		Short: "Enqueue one task run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, taskName, ok := strings.Cut(args[0], "/")
			if !ok || plan == "" || taskName == "" {
				return auraerr.NewValidation("task", "expected <plan>/<task>, got %q", args[0])
			}
			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			st, err := buildStack()
			if err != nil {
				return err
			}
			if err := st.sched.Start(); err != nil {
				return err
			}
			defer st.sched.Stop()

			// Subscribe before submitting so a fast run cannot finish
			// unobserved; the buffered channel absorbs events that arrive
			// before the run id is known.
			outcomes := make(chan bus.Event, 64)
			if wait {
				record := func(ctx context.Context, e bus.Event) error {
					select {
					case outcomes <- e:
					default:
					}
					return nil
				}
				for _, name := range []string{"task.finished", "task.cancelled"} {
					sub, err := st.events.Subscribe(bus.ChannelAny, name, record)
					if err != nil {
						return err
					}
					defer st.events.Unsubscribe(sub)
				}
			}

			runID, err := st.sched.RunAdHocTask(plan, taskName, parsed)
			if err != nil {
				return err
			}
			fmt.Println(runID)
			if !wait {
				return nil
			}

			deadline := time.After(24 * time.Hour)
			for {
				select {
				case e := <-outcomes:
					if id, _ := e.Payload["run_id"].(string); id != runID {
						continue
					}
					if e.Name == "task.cancelled" {
						return fmt.Errorf("run %s was cancelled before execution", runID)
					}
					tfr, _ := e.Payload["tfr"].(*orchestrator.TFR)
					if tfr != nil {
						out, err := json.MarshalIndent(tfr, "", "  ")
						if err != nil {
							return err
						}
						fmt.Println(string(out))
						if tfr.Status != orchestrator.StatusSuccess {
							os.Exit(exitError)
						}
					}
					return nil
				case <-deadline:
					return fmt.Errorf("run %s did not finish", runID)
				}
			}
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "task input as key=value, repeatable")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run and print its result")
	return cmd
}

// parseInputs turns key=value pairs into typed inputs. Values go through the
// YAML scalar parser so `--input count=3` yields an int and `--input ok=true`
// a bool; quote the value to force a string.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, auraerr.NewValidation("input", "expected key=value, got %q", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}
