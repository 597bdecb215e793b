package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schaermu/mwsync/internal/mediawiki"
	"github.com/schaermu/mwsync/internal/repo"
	"github.com/schaermu/mwsync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	logLevel  string
	logFormat string
	workDir   string

	// Command flags
	statusAll     bool
	commitMessage string
	commitBot     bool
	commitWatch   bool

	appFs afero.Fs = afero.NewOsFs()

	// readPassword is replaced in tests
	readPassword = promptPassword
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mw",
	Short: "Track MediaWiki pages in a local working directory",
	Long: `mw keeps wiki pages as local .wiki files. Pull pages from the wiki, edit them
with any editor, review your changes with status and diff, and commit them back.

Edits that raced with someone else's change on the wiki are reported as
conflicts instead of overwriting the other edit.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init API_URL",
	Short: "Create a repository in the current directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

var pullCmd = &cobra.Command{
	Use:   "pull [PAGENAME...]",
	Short: "Fetch pages from the wiki",
	Long: `Pull writes the latest revision of each named page to its working file.
Without arguments every tracked page is pulled. Pages with uncommitted
changes are skipped.`,
	RunE: runPull,
}

var pullcatCmd = &cobra.Command{
	Use:   "pullcat CATEGORY...",
	Short: "Fetch every page in the given categories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPullCategory,
}

var statusCmd = &cobra.Command{
	Use:     "status [FILE...]",
	Aliases: []string{"st"},
	Short:   "Show the status of working files",
	RunE:    runStatus,
}

var addCmd = &cobra.Command{
	Use:   "add FILE...",
	Short: "Start tracking new files as pages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var diffCmd = &cobra.Command{
	Use:   "diff [FILE...]",
	Short: "Show local changes against the last synchronized revision",
	RunE:  runDiff,
}

var commitCmd = &cobra.Command{
	Use:     "commit [FILE...]",
	Aliases: []string{"ci"},
	Short:   "Push added and modified pages to the wiki",
	RunE:    runCommit,
}

var revertCmd = &cobra.Command{
	Use:   "revert FILE...",
	Short: "Discard local changes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRevert,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Forget pages whose working file was deleted",
	Args:  cobra.NoArgs,
	RunE:  runClean,
}

var touchCmd = &cobra.Command{
	Use:   "touch PAGENAME...",
	Short: "Make null edits so the wiki re-renders pages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTouch,
}

var loginCmd = &cobra.Command{
	Use:   "login [USERNAME]",
	Short: "Log in to the wiki",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out of the wiki",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "mw %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		_, _ = fmt.Fprintf(out, "  schema: %s\n", repo.Version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "run as if started in this directory")

	statusCmd.Flags().BoolVarP(&statusAll, "all", "A", false, "include clean files")

	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "edit summary")
	commitCmd.Flags().BoolVarP(&commitBot, "bot", "b", false, "mark edits as bot edits")
	commitCmd.Flags().BoolVarP(&commitWatch, "watch", "w", false, "add pages to your watchlist")

	rootCmd.AddCommand(initCmd, pullCmd, pullcatCmd, statusCmd, addCmd, diffCmd, commitCmd,
		revertCmd, cleanCmd, touchCmd, loginCmd, logoutCmd, versionCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := startDir()
	if err != nil {
		return err
	}

	r, err := repo.Create(appFs, dir, args[0])
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Initialized empty mw repository in %s\n", r.MetaDir())
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := openEnv()
	if err != nil {
		return err
	}

	outcomes, err := env.engine.Pull(ctx, args)
	printOutcomes(cmd.OutOrStdout(), env.repo, outcomes)
	return err
}

func runPullCategory(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := openEnv()
	if err != nil {
		return err
	}

	outcomes, err := env.engine.PullCategory(ctx, args)
	printOutcomes(cmd.OutOrStdout(), env.repo, outcomes)
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}

	list, err := r.StatusOf(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, entry := range list {
		if entry.Status == repo.Clean && !statusAll {
			continue
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", entry.Status.Code(), r.Rel(entry.Path))
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}

	outcomes, err := env.engine.Add(args)
	printOutcomes(cmd.OutOrStdout(), env.repo, outcomes)
	return err
}

func runDiff(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}

	list, err := r.StatusOf(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, entry := range list.Filter(repo.Added, repo.Modified) {
		diff, err := r.DiffFile(entry.Path)
		if err != nil {
			return err
		}
		if diff != "" {
			_, _ = fmt.Fprintln(out, diff)
		}
	}
	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := openEnv()
	if err != nil {
		return err
	}

	outcomes, err := env.engine.Commit(ctx, args, sync.CommitOptions{
		Summary: commitMessage,
		Bot:     commitBot,
		Watch:   commitWatch,
	})
	printOutcomes(cmd.OutOrStdout(), env.repo, outcomes)
	return err
}

func runRevert(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := openEnv()
	if err != nil {
		return err
	}

	outcomes, err := env.engine.Revert(ctx, args)
	printOutcomes(cmd.OutOrStdout(), env.repo, outcomes)
	return err
}

func runClean(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}

	outcomes, err := env.engine.Clean()
	printOutcomes(cmd.OutOrStdout(), env.repo, outcomes)
	return err
}

func runTouch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := openEnv()
	if err != nil {
		return err
	}

	outcomes, err := env.engine.Touch(ctx, args)
	printOutcomes(cmd.OutOrStdout(), env.repo, outcomes)
	return err
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := openEnv()
	if err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())

	username := ""
	if len(args) == 1 {
		username = args[0]
	} else {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Username: ")
		username, err = readLine(in)
		if err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
	}

	password, err := readPassword(cmd, in)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if err := env.client.Login(ctx, username, password); err != nil {
		return err
	}
	if err := env.session.Save(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", username)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := openEnv()
	if err != nil {
		return err
	}

	if env.session.Active() {
		if err := env.client.Logout(ctx); err != nil {
			env.logger.Warn("wiki logout failed, removing local session anyway", "error", err)
		}
	}
	if err := env.session.Clear(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}

// remoteEnv bundles what a remote-facing command needs
type remoteEnv struct {
	repo    *repo.Repository
	session *mediawiki.Session
	client  *mediawiki.HTTPClient
	engine  *sync.Engine
	logger  *slog.Logger
}

func openEnv() (*remoteEnv, error) {
	logger := setupLogger()

	r, err := openRepo()
	if err != nil {
		return nil, err
	}

	remote := r.Config.Remote
	session, err := mediawiki.LoadSession(r.Fs(), r.SessionPath(), remote.APIURL)
	if err != nil {
		return nil, err
	}

	client, err := mediawiki.NewHTTPClient(remote.APIURL, mediawiki.Options{
		UserAgent:         remote.UserAgent,
		RequestsPerSecond: remote.RequestsPerSecond,
		Jar:               session.Jar,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("repository opened", "root", r.Root, "api_url", remote.APIURL)

	return &remoteEnv{
		repo:    r,
		session: session,
		client:  client,
		engine:  sync.NewEngine(r, client, logger, remote.EditInterval),
		logger:  logger,
	}, nil
}

func openRepo() (*repo.Repository, error) {
	dir, err := startDir()
	if err != nil {
		return nil, err
	}
	return repo.Open(appFs, dir)
}

func startDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return dir, nil
}

func printOutcomes(w io.Writer, r *repo.Repository, outcomes []sync.Outcome) {
	for _, o := range outcomes {
		name := o.Page
		if o.File != "" {
			name = r.Rel(o.File)
		}

		switch {
		case o.Err != nil:
			_, _ = fmt.Fprintf(w, "%s: %s: %v\n", o.Kind, name, o.Err)
		case o.Revision > 0:
			_, _ = fmt.Fprintf(w, "%s: %s (revision %d)\n", o.Kind, name, o.Revision)
		default:
			_, _ = fmt.Fprintf(w, "%s: %s\n", o.Kind, name)
		}
	}
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptPassword reads without echo from a terminal, or a plain line otherwise
func promptPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if cmd.InOrStdin() == os.Stdin && term.IsTerminal(fd) {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		password, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(password), nil
	}
	return readLine(in)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
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

	// Listings go to stdout, so diagnostics stay on stderr
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
