package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/config"
	"github.com/odvcencio/commit-headless/pkg/headless"
	"github.com/odvcencio/commit-headless/pkg/logging"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote"
)

// refFlags are shared by commit, push and replay.
type refFlags struct {
	target       string
	branch       string
	headSHA      string
	branchFrom   string
	createBranch bool
	dryRun       bool
	transport    string
	logLevel     string
}

func addRefFlags(cmd *cobra.Command, f *refFlags) {
	addTargetFlags(cmd, f, "expected tip of the branch, or the base of a branch created with --create-branch")
	fl := cmd.Flags()
	fl.StringVar(&f.branchFrom, "branch-from", "", "branch whose tip is the base of a branch created with --create-branch")
	fl.BoolVar(&f.createBranch, "create-branch", false, "create the branch if it does not exist")
}

// addTargetFlags registers the flags of commands that only update an
// existing branch.
func addTargetFlags(cmd *cobra.Command, f *refFlags, headUsage string) {
	fl := cmd.Flags()
	fl.StringVarP(&f.target, "target", "T", "", "target repository: owner/repo or an http(s) git URL")
	fl.StringVar(&f.branch, "branch", "", "branch to update")
	fl.StringVar(&f.headSHA, "head-sha", "", headUsage)
	fl.BoolVar(&f.dryRun, "dry-run", false, "build and validate everything but do not push")
	fl.StringVar(&f.transport, "transport", "", "remote transport: auto, git or github")
	fl.StringVar(&f.logLevel, "log-level", "", "diagnostic level: debug, info, warn or error")
}

func (f *refFlags) options(cfg *config.Config) headless.RefOptions {
	return headless.RefOptions{
		Branch:       cfg.Branch,
		HeadSHA:      object.Hash(f.headSHA),
		BranchFrom:   f.branchFrom,
		CreateBranch: f.createBranch,
		DryRun:       f.dryRun,
	}
}

// setup loads configuration, layers the command's flags on top, and builds
// the logger and dispatcher.
func (a *app) setup(cmd *cobra.Command, f *refFlags) (*config.Config, *headless.Dispatcher, error) {
	cfg, err := config.Load(a.configPath, a.getenv)
	if err != nil {
		return nil, nil, &commit.ValidationError{Field: "config", Message: err.Error(), Err: err}
	}
	fl := cmd.Flags()
	if fl.Changed("target") {
		cfg.Target = f.target
	}
	if fl.Changed("branch") {
		cfg.Branch = f.branch
	}
	if fl.Changed("transport") {
		cfg.Transport = f.transport
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, _ := cfg.LogLevel()
	log, err := logging.New(logging.Options{
		Level:   level,
		Actions: cfg.Actions,
		Color:   cfg.Log.Color,
		File:    cfg.Log.File,
		Writer:  a.stderr,
	})
	if err != nil {
		return nil, nil, err
	}
	a.log = log

	if cfg.Target == "" {
		return nil, nil, &commit.ValidationError{Field: "target", Message: "a target repository is required (--target or HEADLESS_TARGET)"}
	}
	target, err := remote.ParseTarget(cfg.Target, cfg.ServerURL)
	if err != nil {
		return nil, nil, &commit.ValidationError{Field: "target", Message: err.Error(), Err: err}
	}
	transport, _ := remote.ParseTransport(cfg.Transport)
	if cfg.Token == "" {
		log.Warn("no token in " + joinEnv(config.TokenEnv) + "; sending unauthenticated requests")
	}
	log.Debug("starting", "run_id", log.RunID, "target", target.String(), "transport", string(transport), "config", cfg.Source)

	rem, err := remote.New(target, transport, cfg.RemoteOptions(log.Logger, "commit-headless/"+version))
	if err != nil {
		return nil, nil, err
	}
	return cfg, &headless.Dispatcher{Remote: rem, Log: log}, nil
}

func joinEnv(names []string) string {
	if len(names) < 2 {
		return strings.Join(names, "")
	}
	return strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
}
