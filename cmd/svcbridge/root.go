package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nebula/svcbridge/internal/logger"
	"github.com/nebula/svcbridge/internal/output"
	"github.com/nebula/svcbridge/internal/service"
	"github.com/nebula/svcbridge/internal/supervisor"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries the process exit code for err
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...interface{}) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

// errFailed marks an invocation whose per-target failures were already reported
var errFailed = errors.New("one or more services failed")

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// globalFlags are shared by every command
type globalFlags struct {
	config  string
	verbose bool
	json    bool
}

// targetFlags select and tune a verb's targets
type targetFlags struct {
	all         bool
	file        string
	noWait      bool
	maxWait     time.Duration
	maxWaitSet  bool
	serviceUser string
}

// app is one CLI invocation
type app struct {
	stdout io.Writer
	stderr io.Writer
	global globalFlags

	// open wires the environment; replaced in tests
	open func(g *globalFlags, mutating bool) (*env, error)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, open: openEnv}
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errFailed) {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "svcbridge [command] [name...]",
		Short: "Manage background services of installed packages with launchd or systemd",
		Long: `svcbridge installs, starts, stops and reconciles the native service
definitions of installed packages. It uses launchd on macOS and systemd on Linux.

Running as root manages boot-time services; otherwise services run at login.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd.Context(), false)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.global.config, "config", "", "config file (default ~/.config/svcbridge/config.yaml)")
	pf.BoolVarP(&a.global.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&a.global.json, "json", false, "print results as JSON")

	root.AddCommand(
		a.listCommand(),
		a.infoCommand(),
		a.verbCommand(service.VerbRun, "Run a service without registering it to start at login (or boot)"),
		a.verbCommand(service.VerbStart, "Start a service and register it to start at login (or boot)"),
		a.verbCommand(service.VerbStop, "Stop a service and unregister it"),
		a.verbCommand(service.VerbRestart, "Stop (if necessary) and start a service"),
		a.verbCommand(service.VerbKill, "Kill a running service without unregistering it"),
		a.cleanupCommand(),
		a.serveCommand(),
	)
	return root
}

func (a *app) listCommand() *cobra.Command {
	var watchFlag bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all managed services and their status",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd.Context(), watchFlag)
		},
	}
	cmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "re-render the listing whenever it changes")
	return cmd
}

func (a *app) infoCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "info [name...]",
		Short: "Show detailed status of services",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTargets("info", args, targetFlags{all: all}); err != nil {
				return err
			}
			return a.runInfo(cmd.Context(), args, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "act on every installed service")
	return cmd
}

func (a *app) verbCommand(verb, short string) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   verb + " [name...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			tf.maxWaitSet = cmd.Flags().Changed("max-wait")
			if err := validateTargets(verb, args, tf); err != nil {
				return err
			}
			return a.runVerb(cmd.Context(), verb, args, tf)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&tf.all, "all", false, "act on every installed service")
	switch verb {
	case service.VerbRun, service.VerbStart, service.VerbRestart:
		f.StringVar(&tf.file, "file", "", "use this definition file instead of the package's")
	}
	switch verb {
	case service.VerbStart, service.VerbRestart:
		f.StringVar(&tf.serviceUser, "sudo-service-user", "", "run a boot-time service as this user")
	}
	switch verb {
	case service.VerbStop, service.VerbRestart:
		f.BoolVar(&tf.noWait, "no-wait", false, "do not wait for the service to unload")
		f.DurationVar(&tf.maxWait, "max-wait", 0, "give up waiting for the service to unload after this long (0 waits forever)")
	}
	return cmd
}

func (a *app) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove unused services and stale definition files",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCleanup(cmd.Context())
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageErrorf("%s does not take service names", cmd.Name())
	}
	return nil
}

// validateTargets rejects target selections before any native call is made
func validateTargets(verb string, names []string, tf targetFlags) error {
	switch {
	case tf.all && len(names) > 0:
		return usageErrorf("%s: --all cannot be combined with service names", verb)
	case !tf.all && len(names) == 0:
		return usageErrorf("%s: a service name or --all is required", verb)
	case tf.file != "" && (tf.all || len(names) > 1):
		return usageErrorf("%s: --file can only be used with a single service", verb)
	case tf.maxWait < 0:
		return usageErrorf("%s: --max-wait cannot be negative", verb)
	}
	return nil
}

func (tf targetFlags) options() service.Options {
	opts := service.Options{File: tf.file, ServiceUser: tf.serviceUser, NoWait: tf.noWait}
	if tf.maxWaitSet {
		d := tf.maxWait
		opts.MaxWait = &d
	}
	return opts
}

func (a *app) color() bool {
	f, ok := a.stdout.(*os.File)
	return ok && output.IsTerminal(f)
}

// runVerb executes verb over each target in order. A failing target does not
// stop the rest.
func (a *app) runVerb(ctx context.Context, verb string, names []string, tf targetFlags) error {
	e, err := a.open(&a.global, supervisor.IsMutating(verb))
	if err != nil {
		return err
	}
	defer e.Close()

	targets, err := e.supervisor.Targets(names, tf.all)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Warn().Msg("no installed package declares a service")
		return nil
	}

	opts := tf.options()
	var outcomes []service.Outcome
	failed := 0
	for _, d := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := e.supervisor.Do(ctx, verb, d, opts)
		switch {
		case err == nil:
		case service.IsWarning(err):
			out.Warnings = append(out.Warnings, err.Error())
			logger.Warn().Str("service", d.Name).Msg(err.Error())
		default:
			failed++
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
			continue
		}
		outcomes = append(outcomes, out)
		if !a.global.json && out.Message != "" {
			fmt.Fprintln(a.stdout, out.Message)
		}
	}

	if a.global.json {
		if outcomes == nil {
			outcomes = []service.Outcome{}
		}
		if err := output.JSON(a.stdout, outcomes); err != nil {
			return err
		}
	}
	if failed > 0 {
		return errFailed
	}
	return nil
}

func (a *app) runInfo(ctx context.Context, names []string, all bool) error {
	e, err := a.open(&a.global, false)
	if err != nil {
		return err
	}
	defer e.Close()

	targets, err := e.supervisor.Targets(names, all)
	if err != nil {
		return err
	}

	infos := make([]output.ServiceInfo, 0, len(targets))
	for _, d := range targets {
		info, err := e.supervisor.Describe(ctx, d)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	if a.global.json {
		return output.JSON(a.stdout, infos)
	}
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(a.stdout)
		}
		if err := output.Info(a.stdout, info, a.color()); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) runCleanup(ctx context.Context) error {
	e, err := a.open(&a.global, true)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.supervisor.Cleanup(ctx)
	if err != nil {
		return err
	}

	if retention := e.config.State.JournalRetention; retention > 0 && e.store != nil {
		n, err := e.store.Prune(retention)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to prune journal")
		} else if n > 0 {
			logger.Debug().Int("entries", n).Msg("pruned journal")
		}
	}

	if a.global.json {
		return output.JSON(a.stdout, report)
	}
	for _, msg := range report.Messages {
		fmt.Fprintln(a.stdout, msg)
	}
	return nil
}
