package command

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/fieldscout/agent/internal/hooks"
	"github.com/fieldscout/agent/internal/queue"
)

// Updater performs a self-update check: fetch the artifact at downloadURL,
// verify it against expectedChecksum, and if it matches, stage it for
// installation. It returns whether an update was staged. The narrow scope
// here (check, verify, stage) is deliberate — actually swapping the running
// binary and restarting the process is left to the caller, which is in a
// better position to coordinate a clean restart.
type Updater func(ctx context.Context, downloadURL, expectedChecksum string) (staged bool, err error)

// Deps bundles the collaborators the built-in command handlers need.
type Deps struct {
	Queue       *queue.Queue
	PingRunner  *hooks.Runner
	CleanupDays int
	Updater     Updater
	Probes      Adapters
}

// RegisterBuiltins wires the agent's default command actions — ping,
// cleanup_queue, check_updates, and scan_network — onto d.
func RegisterBuiltins(d *Dispatcher, deps Deps) {
	if deps.PingRunner == nil {
		deps.PingRunner = hooks.NewRunner(0)
	}
	if deps.CleanupDays <= 0 {
		deps.CleanupDays = 30
	}

	d.Register("ping", func(ctx context.Context, params map[string]any) Result {
		target, _ := params["target"].(string)
		if target == "" {
			return fail(fmt.Errorf("ping: missing target"))
		}
		res, err := deps.PingRunner.Run(ctx, pingCommand(target))
		if err != nil {
			return Result{
				Success: false,
				Status:  "error",
				Data:    map[string]any{"output": res.Output, "exit_code": res.ExitCode},
				Error:   err.Error(),
			}
		}
		return ok(map[string]any{
			"output":      res.Output,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		})
	})

	d.Register("cleanup_queue", func(ctx context.Context, params map[string]any) Result {
		if deps.Queue == nil {
			return fail(fmt.Errorf("cleanup_queue: queue not configured"))
		}
		expired, failed, err := deps.Queue.GCExpired(ctx)
		if err != nil {
			return fail(err)
		}
		reaped, err := deps.Queue.ReapOld(ctx, time.Duration(deps.CleanupDays)*24*time.Hour)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{
			"expired": expired,
			"failed":  failed,
			"reaped":  reaped,
		})
	})

	d.Register("scan_network", func(ctx context.Context, params map[string]any) Result {
		targets, _ := params["targets"].([]any)
		if len(targets) == 0 {
			if single, ok := params["target"].(string); ok && single != "" {
				targets = []any{single}
			}
		}
		if len(targets) == 0 {
			return fail(fmt.Errorf("scan_network: no targets provided"))
		}

		scan := deps.Probes.resolve(deps.Probes.PortScan)
		results := make(map[string]any, len(targets))
		for _, t := range targets {
			target, _ := t.(string)
			if target == "" {
				continue
			}
			res, err := scan(ctx, target, nil)
			if err != nil {
				results[target] = map[string]any{"success": false, "error": err.Error()}
				continue
			}
			results[target] = res.Data
		}
		return ok(map[string]any{"results": results})
	})

	d.Register("check_updates", func(ctx context.Context, params map[string]any) Result {
		if deps.Updater == nil {
			return ok(map[string]any{"staged": false, "reason": "updater not configured"})
		}
		url, _ := params["download_url"].(string)
		checksum, _ := params["expected_checksum"].(string)
		if url == "" || checksum == "" {
			return fail(fmt.Errorf("check_updates: missing download_url or expected_checksum"))
		}
		staged, err := deps.Updater(ctx, url, checksum)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"staged": staged})
	})
}

// pingCommand builds the OS-appropriate ping invocation: a single probe with
// a bounded per-packet timeout, matching what a "reachability check" scan
// action needs rather than a continuous ping stream.
func pingCommand(target string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("ping -n 1 -w 2000 %s", target)
	}
	return fmt.Sprintf("ping -c 1 -W 2 %s", target)
}
