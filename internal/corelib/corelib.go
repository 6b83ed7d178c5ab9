// Package corelib is the builtin `core` library plugin. It provides the
// small action set the framework ships with: logging, sleeping, context
// writes, deliberate failure, and step control.
package corelib

import (
	"context"
	"fmt"
	"time"

	"github.com/nightofknife/aura/internal/plugin"
)

func init() {
	plugin.RegisterActionSymbol("corelib.Log", logAction)
	plugin.RegisterActionSymbol("corelib.Sleep", sleepAction)
	plugin.RegisterActionSymbol("corelib.SetCtx", setCtxAction)
	plugin.RegisterActionSymbol("corelib.Fail", failAction)
	plugin.RegisterActionSymbol("corelib.Noop", noopAction)
	plugin.RegisterActionSymbol("corelib.StopTask", stopTaskAction)

	plugin.RegisterBuiltin(
		&plugin.Definition{
			Author:  "aura",
			Name:    "core",
			ID:      "aura/core",
			Version: "1.0.0",
			Type:    plugin.TypeLibrary,
		},
		&plugin.Descriptor{
			Actions: []plugin.ActionDecl{
				{Name: "log", EntryPoint: "corelib.Log", ReadOnly: true, Public: true},
				{Name: "sleep", EntryPoint: "corelib.Sleep", ReadOnly: true, Public: true},
				{Name: "set_ctx", EntryPoint: "corelib.SetCtx", Public: true},
				{Name: "fail", EntryPoint: "corelib.Fail", Public: true},
				{Name: "noop", EntryPoint: "corelib.Noop", ReadOnly: true, Public: true},
				{Name: "stop_task", EntryPoint: "corelib.StopTask", Public: true},
			},
		},
	)
}

// logAction writes a message at the requested level and returns the message.
func logAction(ctx context.Context, call *plugin.Call) (any, error) {
	msg := fmt.Sprint(call.Params["message"])
	level, _ := call.Params["level"].(string)
	switch level {
	case "DEBUG":
		call.Logger.Debug(msg)
	case "WARNING", "WARN":
		call.Logger.Warn(msg)
	case "ERROR":
		call.Logger.Error(msg)
	default:
		call.Logger.Info(msg)
	}
	return msg, nil
}

// sleepAction pauses for `seconds`, heartbeating once a second. It returns
// early with the context error on cancellation.
func sleepAction(ctx context.Context, call *plugin.Call) (any, error) {
	seconds, err := floatParam(call.Params, "seconds")
	if err != nil {
		return nil, err
	}
	deadline := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
			if call.Heartbeat != nil {
				call.Heartbeat()
			}
		case <-deadline.C:
			return seconds, nil
		}
	}
}

// setCtxAction returns its value; the engine records it, and tasks read it
// back through steps.<name>.output.
func setCtxAction(ctx context.Context, call *plugin.Call) (any, error) {
	return call.Params["value"], nil
}

// failAction raises an error with the configured message.
func failAction(ctx context.Context, call *plugin.Call) (any, error) {
	msg, _ := call.Params["message"].(string)
	if msg == "" {
		msg = "deliberate failure"
	}
	return nil, fmt.Errorf("%s", msg)
}

func noopAction(ctx context.Context, call *plugin.Call) (any, error) {
	return nil, nil
}

// stopTaskAction returns the stop-task control signal so the engine ends the
// run with the requested status.
func stopTaskAction(ctx context.Context, call *plugin.Call) (any, error) {
	status, _ := call.Params["status"].(string)
	if status == "" {
		status = "SUCCESS"
	}
	return &plugin.Control{Kind: plugin.ControlStopTask, Status: status}, nil
}

func floatParam(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}
