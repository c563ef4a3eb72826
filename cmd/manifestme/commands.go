package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/manifestme/config"
	"github.com/c360studio/manifestme/job"
	"github.com/c360studio/manifestme/jobstore"
	"github.com/c360studio/manifestme/session"
)

func loginCmd(flags *globalFlags) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := readSecret(cmd, "Password: ")
				if err != nil {
					return err
				}
				password = p
			}
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				if err := app.sess.Login(ctx, session.Credentials{Email: email, Password: password}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func registerCmd(flags *globalFlags) *cobra.Command {
	var email, password, invite string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account with an invite code",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := readSecret(cmd, "Password: ")
				if err != nil {
					return err
				}
				password = p
			}
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				err := app.sess.Register(ctx, session.Registration{Email: email, Password: password, InviteCode: invite})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Welcome, %s\n", email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when empty)")
	cmd.Flags().StringVar(&invite, "invite", "", "Invite code")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("invite")
	return cmd
}

func logoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token and any pending job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				if err := app.sess.Logout(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sign-in state and any pending job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				out := cmd.OutOrStdout()
				if !app.sess.Authenticated() {
					fmt.Fprintln(out, "Not signed in")
					return nil
				}
				fmt.Fprintln(out, "Signed in")
				if exp, ok := app.sess.TokenExpiry(); ok {
					fmt.Fprintf(out, "Token expires %s\n", exp.Local().Format(time.RFC1123))
				}

				rec, err := app.jobs.Load(ctx)
				if errors.Is(err, jobstore.ErrNotFound) {
					fmt.Fprintln(out, "No pending manifestation")
					return nil
				}
				if err != nil {
					return fmt.Errorf("load pending manifestation: %w", err)
				}
				fmt.Fprintf(out, "Pending manifestation %s: %q (submitted %s)\n",
					rec.JobID, rec.Prompt, rec.SubmittedAt.Local().Format(time.Kitchen))
				return nil
			})
		},
	}
}

func manifestCmd(flags *globalFlags) *cobra.Command {
	var template string
	var detach bool

	cmd := &cobra.Command{
		Use:   "manifest PROMPT...",
		Short: "Submit a prompt and follow the video job",
		Long: fmt.Sprintf(`Submit a prompt and follow the video job until it finishes.

Templates: %s`, strings.Join(session.Templates, ", ")),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				j, err := app.sess.Manifest(ctx, prompt, template)
				if err != nil {
					return err
				}
				if detach {
					return detachHint(ctx, cmd.OutOrStdout(), app)
				}
				final, err := follow(ctx, cmd.OutOrStdout(), app.sess, j)
				return report(cmd.OutOrStdout(), final, err)
			})
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "Scene template")
	cmd.Flags().BoolVar(&detach, "detach", false, "Return once the job is accepted; use resume to follow it")
	return cmd
}

func resumeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Follow a manifestation accepted by an earlier run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				if !app.sess.Authenticated() {
					return session.ErrNotAuthenticated
				}
				j, resumed, err := app.sess.Resume(ctx)
				if err != nil {
					return err
				}
				if !resumed {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending manifestation")
					return nil
				}
				final, err := follow(ctx, cmd.OutOrStdout(), app.sess, j)
				return report(cmd.OutOrStdout(), final, err)
			})
		},
	}
}

func galleryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gallery",
		Short: "List your finished videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				if err := app.sess.RefreshGallery(ctx); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				entries := app.sess.Gallery().Entries()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No videos yet")
					return nil
				}
				for _, e := range entries {
					name := e.Name
					if name == "" {
						name = "(untitled)"
					}
					fmt.Fprintf(out, "%s\t%s\n", name, e.URL)
				}
				return nil
			})
		},
	}
}

func profileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show your profile picture status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				p, err := app.sess.Profile(ctx)
				if err != nil {
					return err
				}
				if !p.HasImage {
					fmt.Fprintln(cmd.OutOrStdout(), "No profile picture")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Profile picture: %s\n", p.ImageURL)
				return nil
			})
		},
	}
}

func uploadProfileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upload-profile FILE",
		Short: "Upload a new profile picture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				if err := app.sess.UploadProfileImage(ctx, filepath.Base(args[0]), f); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Profile picture updated")
				return nil
			})
		},
	}
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, newLogger(flags.logLevel))
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewLoader(newLogger(flags.logLevel)).EnsureUserConfig()
		},
	})

	return cmd
}

// follow prints job events until the job leaves the active states.
func follow(ctx context.Context, out io.Writer, sess *session.Session, start job.Job) (job.Job, error) {
	ctrl := sess.Controller()
	lastDecile := -1
	printStatus(out, start)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Stopped following. Run \"manifestme resume\" to continue.")
			return ctrl.Snapshot(), ctx.Err()

		case e, ok := <-ctrl.Events():
			if !ok {
				return ctrl.Snapshot(), nil
			}
			switch e.Type {
			case job.EventProgress:
				if d := int(e.Job.Progress * 10); d > lastDecile {
					lastDecile = d
					fmt.Fprintf(out, "  %3.0f%%\n", e.Job.Progress*100)
				}
			case job.EventStateChanged:
				if e.Job.Status == start.Status && e.Job.ID == start.ID {
					continue
				}
				printStatus(out, e.Job)
				if !e.Job.Status.Active() {
					return ctrl.Await(ctx)
				}
			}
		}
	}
}

func printStatus(out io.Writer, j job.Job) {
	switch j.Status {
	case job.StatusSubmitting:
		fmt.Fprintln(out, "Submitting...")
	case job.StatusPolling:
		fmt.Fprintf(out, "Manifesting (job %s)...\n", j.ID)
	case job.StatusCompleted:
		fmt.Fprintln(out, "Done")
	case job.StatusFailed:
		fmt.Fprintln(out, "Failed")
	case job.StatusIdle:
		fmt.Fprintln(out, "Cancelled")
	}
}

// report turns the final job into output and an exit error.
func report(out io.Writer, j job.Job, err error) error {
	if err != nil {
		return err
	}
	switch j.Status {
	case job.StatusCompleted:
		fmt.Fprintf(out, "Your video: %s\n", j.ResultURL)
		return nil
	case job.StatusFailed:
		return errors.New(j.ErrorReason)
	default:
		return nil
	}
}

// detachHint waits for acceptance so the job is resumable, then returns.
func detachHint(ctx context.Context, out io.Writer, app *App) error {
	ctrl := app.sess.Controller()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ctrl.Events():
			if !ok {
				return nil
			}
			if e.Type != job.EventStateChanged || e.Job.Status == job.StatusSubmitting {
				continue
			}
			if e.Job.Status == job.StatusPolling {
				fmt.Fprintf(out, "Accepted as job %s. Run \"manifestme resume\" to follow it.\n", e.Job.ID)
				return nil
			}
			final, err := ctrl.Await(ctx)
			return report(out, final, err)
		}
	}
}

// readSecret reads one line from the command's input.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
