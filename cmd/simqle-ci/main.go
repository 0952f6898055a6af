// simqle-ci runs a pipeline descriptor locally, outside the daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/git"
	"github.com/ZackBotkin/SimQLe/internal/pipeline"
	"github.com/ZackBotkin/SimQLe/internal/provision"
	"github.com/ZackBotkin/SimQLe/internal/repository/memory"
	"github.com/ZackBotkin/SimQLe/internal/runner"
	"github.com/ZackBotkin/SimQLe/internal/shell"
	"github.com/ZackBotkin/SimQLe/internal/upload"
	"github.com/ZackBotkin/SimQLe/internal/workspace"
	"github.com/ZackBotkin/SimQLe/pkg/config"
	"github.com/ZackBotkin/SimQLe/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = commandRun(args)
	case "validate":
		err = commandValidate(args)
	case "version", "--version", "-v":
		fmt.Printf("simqle-ci %s\n", buildVersion)
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`simqle-ci <command> [flags]

Commands:
  run       execute the pipeline of a repository
  validate  parse and validate a descriptor file
  version   print the version`)
}

// stdoutBroadcaster writes streamed log lines to the terminal.
type stdoutBroadcaster struct{}

func (stdoutBroadcaster) Broadcast(runID string, payload []byte) {
	var entry domain.RunLog
	if err := json.Unmarshal(payload, &entry); err != nil {
		return
	}
	if entry.Phase != "" {
		fmt.Printf("[%s] %s\n", entry.Phase, entry.Line)
		return
	}
	fmt.Println(entry.Line)
}

func commandRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	repoURL := fs.String("repo", "", "repository URL to clone (default: run a local directory)")
	commit := fs.String("commit", "", "commit to check out when cloning")
	dir := fs.String("dir", "", "local directory to run (default: the current directory)")
	file := fs.String("f", "", "descriptor file to use instead of the repository's")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	fs.Parse(args)

	var descriptor []byte
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		descriptor = data
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logger.New("simqle-ci", logger.ParseLevel(level))
	cfg := config.LoadRunnerConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provisioner, closeProvisioner, err := provision.New(cfg, log)
	if err != nil {
		return err
	}
	defer closeProvisioner()

	workDirs, err := workspace.New(cfg.Workdir)
	if err != nil {
		return err
	}

	repo := memory.New()
	store := runner.Store{Runs: repo, Jobs: repo, Steps: repo, Logs: repo, Coverage: repo}

	clone := git.Clone
	source := *repoURL
	if source == "" {
		// Local mode copies nothing: the directory under test is mirrored
		// into the workspace with symlinks.
		source = *dir
		if source == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			source = cwd
		}
		clone = func(ctx context.Context, repoURL, commit, dest string) error {
			return linkTree(repoURL, dest)
		}
	}

	run := &domain.Run{ID: uuid.NewString(), RepoURL: source, Commit: *commit, Source: "cli", Status: domain.StatusPending}
	if err := repo.CreateRun(ctx, run); err != nil {
		return err
	}

	exec := shell.New(log)
	uploader := upload.New(cfg.UploadTimeout, log)
	r := runner.New(store, exec, provisioner, workDirs, clone, uploader, stdoutBroadcaster{}, cfg, log)

	status, err := r.Execute(ctx, domain.RunRequest{
		RunID:      run.ID,
		RepoURL:    source,
		Commit:     *commit,
		Source:     "cli",
		Descriptor: descriptor,
	})
	printSummary(ctx, repo, run.ID)
	if err != nil {
		return err
	}
	if status != domain.StatusPassed {
		return fmt.Errorf("run %s", status)
	}
	return nil
}

// linkTree mirrors a local directory into the run workspace with symlinks so
// script steps operate on real files without a copy.
func linkTree(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.Symlink(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(ctx context.Context, repo *memory.Repository, runID string) {
	jobs, err := repo.ListJobsByRun(ctx, runID)
	if err != nil {
		return
	}
	fmt.Println()
	for _, job := range jobs {
		fmt.Printf("%-8s %s %s\n", job.Status, job.Language, job.Version)
		steps, err := repo.ListStepsByJob(ctx, job.ID)
		if err != nil {
			continue
		}
		for _, step := range steps {
			fmt.Printf("  %-8s [%s] %s (%dms)\n", step.Status, step.Phase, step.Command, step.DurationMS)
		}
	}
	if cov, err := repo.GetCoverageByRun(ctx, runID); err == nil {
		fmt.Printf("coverage: %.2f%% of statements (%d/%d)\n", cov.Percent, cov.CoveredStatements, cov.TotalStatements)
	}
}

func commandValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("file", "", "descriptor path (default: search the current directory)")
	fs.Parse(args)

	var (
		d   *pipeline.Descriptor
		err error
	)
	if *file != "" {
		data, readErr := os.ReadFile(*file)
		if readErr != nil {
			return readErr
		}
		d, err = pipeline.Parse(data)
	} else {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			return cwdErr
		}
		d, err = pipeline.Load(cwd)
	}
	if err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}

	fmt.Printf("language: %s\n", d.Language)
	fmt.Printf("matrix:   %s\n", strings.Join(d.Versions, ", "))
	if len(d.Services) > 0 {
		fmt.Printf("services: %s\n", strings.Join(d.Services, ", "))
	}
	if len(d.Databases) > 0 {
		fmt.Printf("databases: %s\n", strings.Join(d.Databases, ", "))
	}
	for _, phase := range d.Phases() {
		if len(phase.Commands) == 0 {
			continue
		}
		fmt.Printf("%s:\n", phase.Name)
		for _, command := range phase.Commands {
			fmt.Printf("  - %s\n", command)
		}
	}
	fmt.Println("descriptor is valid")
	return nil
}
