package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dreschagin/image-studio/pkg/studioclient"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const (
	Version          = "0.1.0"
	defaultServerURL = "http://localhost:5000"
)

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	quiet   bool
	verbose bool
}

func (o *globalOptions) client() *studioclient.Client {
	return studioclient.New(o.server, studioclient.WithToken(o.token))
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "imagectl",
		Short:         "Generate and edit images through an image gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("IMAGE_STUDIO_URL", defaultServerURL), "Gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("IMAGE_STUDIO_TOKEN"), "Bearer token for the gateway")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Request timeout")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not show progress")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log requests to stderr")

	cmd.AddCommand(
		generateCmd(opts),
		inpaintCmd(opts),
		eraseCmd(opts),
		jobsCmd(opts),
		jobCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "imagectl version %s\n", Version)
			},
		},
	)

	return cmd
}

func generateCmd(opts *globalOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "generate PROMPT",
		Short: "Render an image from a text prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return runEdit(cmd, opts, "generate", out, func(ctx context.Context, c *studioclient.Client) (*studioclient.Image, error) {
				return c.Generate(ctx, prompt)
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default generate-<job id>.png)")
	return cmd
}

func inpaintCmd(opts *globalOptions) *cobra.Command {
	var imagePath, maskPath, out string

	cmd := &cobra.Command{
		Use:   "inpaint PROMPT",
		Short: "Repaint the masked area of an image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, mask, err := readInputs(imagePath, maskPath)
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")
			return runEdit(cmd, opts, "inpaint", out, func(ctx context.Context, c *studioclient.Client) (*studioclient.Image, error) {
				return c.Inpaint(ctx, prompt, image, mask)
			})
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "Source image file")
	cmd.Flags().StringVarP(&maskPath, "mask", "m", "", "Mask file, white marks the area to repaint")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default inpaint-<job id>.png)")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func eraseCmd(opts *globalOptions) *cobra.Command {
	var imagePath, maskPath, out string

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Remove the masked area of an image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			image, mask, err := readInputs(imagePath, maskPath)
			if err != nil {
				return err
			}
			return runEdit(cmd, opts, "erase", out, func(ctx context.Context, c *studioclient.Client) (*studioclient.Image, error) {
				return c.Erase(ctx, image, mask)
			})
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "Source image file")
	cmd.Flags().StringVarP(&maskPath, "mask", "m", "", "Mask file, white marks the area to erase")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default erase-<job id>.png)")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func jobsCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			jobs, err := opts.client().Jobs(ctx, limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, job := range jobs {
				fmt.Fprintf(w, "%s  %-8s %-9s %6dms  %s\n",
					job.ID, job.Operation, job.Status, job.DurationMs, job.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of jobs to list")
	return cmd
}

func jobCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job ID",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			job, err := opts.client().Job(ctx, args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

type submitFunc func(ctx context.Context, c *studioclient.Client) (*studioclient.Image, error)

func runEdit(cmd *cobra.Command, opts *globalOptions, operation, out string, submit submitFunc) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	slog.Debug("submitting job", "operation", operation, "server", opts.server)
	startedAt := time.Now()

	stopSpinner := startSpinner(cmd.ErrOrStderr(), operation, opts.quiet || opts.verbose)
	image, err := submit(ctx, opts.client())
	stopSpinner()
	if err != nil {
		slog.Debug("job failed", "operation", operation, "error", err)
		return err
	}
	slog.Debug("job finished",
		"operation", operation,
		"job_id", image.JobID,
		"cached", image.Cached,
		"elapsed", time.Since(startedAt).Round(time.Millisecond),
	)

	path := outputPath(out, operation, image.JobID)
	if err := os.WriteFile(path, image.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "saved %s (%d bytes, job %s", path, len(image.Data), image.JobID)
	if image.Cached {
		fmt.Fprint(w, ", cached")
	}
	fmt.Fprintln(w, ")")
	if image.ArtifactURL != "" {
		fmt.Fprintf(w, "archived at %s\n", image.ArtifactURL)
	}
	return nil
}

// startSpinner animates an indeterminate bar until the returned func is called.
func startSpinner(w io.Writer, operation string, quiet bool) func() {
	if quiet {
		return func() {}
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(operation),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func readInputs(imagePath, maskPath string) ([]byte, []byte, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("read image: %w", err)
	}
	if maskPath == "" {
		return image, nil, nil
	}
	mask, err := os.ReadFile(maskPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read mask: %w", err)
	}
	return image, mask, nil
}

// outputPath names the file after the job only when the gateway returned a
// well-formed UUID; anything else falls back to a timestamp.
func outputPath(out, operation, jobID string) string {
	if out != "" {
		return out
	}
	name := time.Now().UTC().Format("20060102T150405Z")
	if id, err := uuid.Parse(jobID); err == nil {
		name = id.String()
	}
	return fmt.Sprintf("%s-%s.png", operation, name)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
