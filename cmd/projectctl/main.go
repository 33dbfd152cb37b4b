package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schaermu/projectctl/internal/config"
	"github.com/schaermu/projectctl/internal/engine"
	"github.com/schaermu/projectctl/internal/git"
	"github.com/schaermu/projectctl/internal/model"
	"github.com/schaermu/projectctl/internal/project"
	"github.com/schaermu/projectctl/internal/render"
	"github.com/schaermu/projectctl/internal/source"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes
const (
	exitOK = iota
	exitError
	exitUsage
	exitDestExists
	exitOutsideProject
	exitTemplateNotFound
	exitGit
	exitHTTP
	exitRender
	exitInvalidProject
)

const (
	keyProjectDir = "project_dir"
	keyRootDir    = "root_dir"
)

// usageError marks errors caused by invalid command line input
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// cli holds global flags and state shared by all commands
type cli struct {
	v         *viper.Viper
	cfgFile   string
	logLevel  string
	logFormat string
	stderr    io.Writer

	// started is set once flag and argument validation passed
	started bool
}

func main() {
	ctx, cancel := setupSignalHandler()
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes the CLI with args and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{v: viper.New(), stderr: stderr}
	rootCmd := c.newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	if !c.started {
		err = &usageError{err: err}
	}

	red := color.New(color.FgRed)
	_, _ = red.Fprintf(stderr, "Error: %v\n", err)
	var uerr *usageError
	if errors.As(err, &uerr) {
		_, _ = fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", rootCmd.Name())
	}
	return exitCode(err)
}

// exitCode maps an error kind to the process exit code
func exitCode(err error) int {
	var (
		outside *model.OutsideProjectError
		uerr    *usageError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &outside):
		return exitOutsideProject
	case errors.Is(err, model.ErrDestExists):
		return exitDestExists
	case errors.Is(err, model.ErrMissingTemplate), errors.As(err, &uerr):
		return exitUsage
	case errors.Is(err, model.ErrTemplateNotFound):
		return exitTemplateNotFound
	case errors.Is(err, model.ErrGit), errors.Is(err, model.ErrNoDefaultBranch):
		return exitGit
	case errors.Is(err, model.ErrHTTP):
		return exitHTTP
	case errors.Is(err, model.ErrTemplateRender):
		return exitRender
	case errors.Is(err, model.ErrInvalidProjectName), errors.Is(err, model.ErrInvalidUTF8):
		return exitInvalidProject
	default:
		return exitError
	}
}

func (c *cli) newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "projectctl",
		Short: "Render templates into projects and keep them up to date",
		Long: `projectctl renders templates from git repositories, URLs or local files into
a project directory and records how every file was produced.

The update command re-renders tracked files from their templates. Files edited
by hand since they were rendered are left alone unless --force is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// cobra checks flag groups only after the pre-run hooks
			if err := cmd.ValidateRequiredFlags(); err != nil {
				return err
			}
			if err := cmd.ValidateFlagGroups(); err != nil {
				return err
			}
			c.started = true
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.config/projectctl/config.yaml)")
	flags.StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&c.logFormat, "log-format", "text", "log format (text, json)")
	flags.String("project-dir", ".", "path to the project directory (env PROJECTCTL_PROJECT_DIR)")
	flags.String("projectctl-dir", "", "path to the projectctl root directory (env PROJECTCTL_ROOT_DIR, default ~/.projectctl)")

	c.v.SetEnvPrefix("PROJECTCTL")
	cobra.CheckErr(c.v.BindEnv(keyProjectDir))
	cobra.CheckErr(c.v.BindEnv(keyRootDir))
	cobra.CheckErr(c.v.BindPFlag(keyProjectDir, flags.Lookup("project-dir")))
	cobra.CheckErr(c.v.BindPFlag(keyRootDir, flags.Lookup("projectctl-dir")))

	rootCmd.AddCommand(c.newRenderCmd())
	rootCmd.AddCommand(c.newUpdateCmd())
	rootCmd.AddCommand(c.newScaffoldCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// sourceFlags are the template selection flags of render and scaffold
type sourceFlags struct {
	gitURL    string
	url       string
	local     bool
	gitBranch string
	gitTag    string
	template  string
	vars      string
}

func (f *sourceFlags) register(cmd *cobra.Command, withURL bool) {
	cmd.Flags().StringVar(&f.gitURL, "git", "", "URL of the git repository holding the template")
	cmd.Flags().BoolVar(&f.local, "local", false, "use a local path as template")
	if withURL {
		cmd.Flags().StringVar(&f.url, "url", "", "URL of the template")
	}
	cmd.Flags().StringVar(&f.gitBranch, "git-branch", "", "name of the branch to checkout")
	cmd.Flags().StringVar(&f.gitTag, "git-tag", "", "name of the tag to checkout")
	cmd.Flags().StringVarP(&f.template, "template", "t", "", "path to the template, required for git and local templates")
	cmd.Flags().StringVar(&f.vars, "vars", "", "JSON encoded custom variables")

	if withURL {
		cmd.MarkFlagsMutuallyExclusive("git", "url", "local")
		cmd.MarkFlagsOneRequired("git", "url", "local")
	} else {
		cmd.MarkFlagsMutuallyExclusive("git", "local")
		cmd.MarkFlagsOneRequired("git", "local")
	}
	cmd.MarkFlagsMutuallyExclusive("git-branch", "git-tag")
}

func (f *sourceFlags) kind() model.SourceKind {
	switch {
	case f.gitURL != "":
		return model.SourceGit
	case f.url != "":
		return model.SourceURL
	default:
		return model.SourceLocal
	}
}

func (f *sourceFlags) sourceURL() string {
	if f.gitURL != "" {
		return f.gitURL
	}
	return f.url
}

func (f *sourceFlags) revision() model.Revision {
	switch {
	case f.gitTag != "":
		return model.Tag(f.gitTag)
	case f.gitBranch != "":
		return model.Branch(f.gitBranch)
	default:
		return model.DefaultBranch()
	}
}

// parseVars decodes the --vars flag. An empty flag yields null.
func parseVars(s string) (any, error) {
	vars, err := model.DecodeVars([]byte(s))
	if err != nil {
		return nil, &usageError{err: fmt.Errorf("invalid --vars: %w", err)}
	}
	return vars, nil
}

func (c *cli) newRenderCmd() *cobra.Command {
	var (
		src   sourceFlags
		force bool
	)
	cmd := &cobra.Command{
		Use:   "render <dest>",
		Short: "Render a template into the project",
		Long: `Render resolves a template from a git repository, a URL or a local file,
renders it to the destination file and records it in .projectctl/project.json.

Templates can use {{ var.* }} for the --vars value, {{ env.* }} for environment
variables, {{ git.* }} for git configuration and {{ project.* }} for project
metadata.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars(src.vars)
			if err != nil {
				return err
			}
			return c.runEngine(cmd.Context(), engine.RenderCommand{
				Dest:         args[0],
				Force:        force,
				Kind:         src.kind(),
				URL:          src.sourceURL(),
				Revision:     src.revision(),
				TemplatePath: src.template,
				Vars:         vars,
			})
		},
	}
	src.register(cmd, true)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite the destination if it exists")
	return cmd
}

func (c *cli) newUpdateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Re-render all tracked files",
		Long: `Update re-renders every file recorded in .projectctl/project.json from its
template with the variables it was rendered with. Files changed since their
last render are skipped unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runEngine(cmd.Context(), engine.UpdateCommand{Force: force})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite files changed since their last render")
	return cmd
}

func (c *cli) newScaffoldCmd() *cobra.Command {
	var (
		src   sourceFlags
		force bool
	)
	cmd := &cobra.Command{
		Use:   "scaffold <dest-dir>",
		Short: "Render a template directory into a new directory",
		Long: `Scaffold renders every entry of a template directory into dest-dir. Entry names
are templates themselves, files ending in .tpl are rendered without the suffix
and all other files are copied. Scaffolded files are not tracked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars(src.vars)
			if err != nil {
				return err
			}
			return c.runEngine(cmd.Context(), engine.ScaffoldCommand{
				Dest:         args[0],
				Force:        force,
				Kind:         src.kind(),
				URL:          src.sourceURL(),
				Revision:     src.revision(),
				TemplatePath: src.template,
				Vars:         vars,
			})
		},
	}
	src.register(cmd, false)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "render into dest-dir even if it exists")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "projectctl %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// runEngine wires the engine from configuration and runs cmd
func (c *cli) runEngine(ctx context.Context, cmd engine.Command) error {
	logger := c.setupLogger()

	cfg, err := c.loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	projectDir := c.v.GetString(keyProjectDir)
	reposDir, err := cfg.RepositoriesDir()
	if err != nil {
		return err
	}
	logger.Debug("resolved directories", "project_dir", projectDir, "repositories_dir", reposDir)

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	resolver := source.NewResolver(gitClient, source.Options{
		ReposDir:   reposDir,
		ProjectDir: projectDir,
		UserAgent:  cfg.HTTP.UserAgent,
	}, logger)
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("failed to remove downloaded templates", "error", err)
		}
	}()

	eng := engine.New(projectDir, engine.Deps{
		Resolver:  resolver,
		Renderer:  render.New(logger),
		Store:     project.NewStore(projectDir, gitClient, logger),
		GitConfig: gitClient,
		Env:       engine.OSEnv{},
	}, logger)

	return eng.Run(ctx, cmd)
}

func (c *cli) setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch c.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if c.logFormat == "json" {
		handler = slog.NewJSONHandler(c.stderr, opts)
	} else {
		handler = slog.NewTextHandler(c.stderr, opts)
	}

	return slog.New(handler)
}

func (c *cli) loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := c.cfgFile
	if configPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = path
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if rootDir := c.v.GetString(keyRootDir); rootDir != "" {
		cfg.Paths.RootDir = rootDir
	}

	logger.Debug("configuration loaded",
		"root_dir", cfg.Paths.RootDir,
		"auth", cfg.AuthMethod(),
		"user_agent", cfg.HTTP.UserAgent)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
