package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/AaronLay10/SceneForge/internal/comfy"
	"github.com/AaronLay10/SceneForge/internal/logger"
	"github.com/AaronLay10/SceneForge/internal/relay"
	"github.com/AaronLay10/SceneForge/internal/version"
	"github.com/AaronLay10/SceneForge/internal/workflow"
)

// generalOptions holds the flags shared by every subcommand.
type generalOptions struct {
	address   string
	templates string
	timeout   time.Duration
	logLevel  string
}

func (o *generalOptions) addFlags(cmd *cobra.Command) {
	addr := os.Getenv("COMFYUI_API_URL")
	if addr == "" {
		addr = "127.0.0.1:8188"
	}
	cmd.PersistentFlags().StringVar(&o.address, "address", addr, "ComfyUI server address")
	cmd.PersistentFlags().StringVar(&o.templates, "templates", "workflows", "directory of workflow templates")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Minute, "maximum time to wait for one execution")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "log level")
}

func (o *generalOptions) generator() (*comfy.Generator, error) {
	return comfy.NewGenerator(comfy.Options{
		Address:      o.address,
		Templates:    workflow.NewStore(o.templates, 0),
		TrackTimeout: o.timeout,
		OnStage: func(op string, stage comfy.Stage) {
			log.Debug().Str("op", op).Str("stage", string(stage)).Msg("stage")
		},
	})
}

func newCmdRoot() *cobra.Command {
	o := &generalOptions{}
	cmd := &cobra.Command{
		Use:           "comfygen",
		Short:         "Run ComfyUI generation workflows from the command line",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: o.logLevel, Format: "console", Output: "stderr"})
		},
	}
	o.addFlags(cmd)

	cmd.AddCommand(
		newCmdImage(o),
		newCmdVideo(o),
		newCmdQueue(o),
		newCmdInterrupt(o),
		newCmdWatch(),
	)
	return cmd
}

// printProgress renders sampler progress on stderr.
func printProgress(cmd *cobra.Command) comfy.ProgressFunc {
	return func(value, max int) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\rprogress %d/%d", value, max)
		if value >= max {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
}

// writeArtifacts saves every artifact under dir and returns the written paths.
func writeArtifacts(dir string, arts []comfy.Artifact) ([]string, error) {
	if len(arts) == 0 {
		return nil, fmt.Errorf("the generation produced no output")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(arts))
	for _, a := range arts {
		p := filepath.Join(dir, filepath.Base(a.Ref.Filename))
		if err := os.WriteFile(p, a.Data, 0644); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func printPaths(cmd *cobra.Command, paths []string) {
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
}

type imageOptions struct {
	general   *generalOptions
	prompt    string
	reference string
	out       string
}

func (o *imageOptions) run(ctx context.Context, cmd *cobra.Command) error {
	gen, err := o.general.generator()
	if err != nil {
		return err
	}
	req := comfy.ImageRequest{Prompt: o.prompt, Progress: printProgress(cmd)}
	if o.reference != "" {
		b, err := os.ReadFile(o.reference)
		if err != nil {
			return err
		}
		req.Reference = string(b)
		req.ReferenceName = filepath.Base(o.reference)
	}

	arts, err := gen.GenerateImage(ctx, req)
	if err != nil {
		return err
	}
	paths, err := writeArtifacts(o.out, arts)
	printPaths(cmd, paths)
	return err
}

func newCmdImage(general *generalOptions) *cobra.Command {
	o := &imageOptions{general: general}
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Generate a keyframe image from a prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd)
		},
	}
	cmd.Flags().StringVar(&o.prompt, "prompt", "", "positive prompt")
	cmd.Flags().StringVar(&o.reference, "reference", "", "optional reference image for image-to-image")
	cmd.Flags().StringVar(&o.out, "out", ".", "output directory")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

type videoOptions struct {
	general *generalOptions
	prompt  string
	image   string
	out     string
}

func (o *videoOptions) run(ctx context.Context, cmd *cobra.Command) error {
	gen, err := o.general.generator()
	if err != nil {
		return err
	}
	b, err := os.ReadFile(o.image)
	if err != nil {
		return err
	}

	arts, err := gen.GenerateVideo(ctx, comfy.VideoRequest{
		Prompt:    o.prompt,
		Image:     b,
		ImageName: filepath.Base(o.image),
		Progress:  printProgress(cmd),
	})
	if err != nil {
		return err
	}
	paths, err := writeArtifacts(o.out, arts)
	printPaths(cmd, paths)
	return err
}

func newCmdVideo(general *generalOptions) *cobra.Command {
	o := &videoOptions{general: general}
	cmd := &cobra.Command{
		Use:   "video",
		Short: "Animate a keyframe into a clip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd)
		},
	}
	cmd.Flags().StringVar(&o.prompt, "prompt", "", "motion prompt")
	cmd.Flags().StringVar(&o.image, "image", "", "keyframe image file")
	cmd.Flags().StringVar(&o.out, "out", ".", "output directory")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newCmdQueue(general *generalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print how many prompts the server still has queued",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := comfy.NewSession(general.address, comfy.SessionOptions{})
			if err != nil {
				return err
			}
			n, err := s.QueueRemaining(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newCmdInterrupt(general *generalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt",
		Short: "Stop the prompt the server is currently executing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := comfy.NewSession(general.address, comfy.SessionOptions{})
			if err != nil {
				return err
			}
			return s.Interrupt(cmd.Context())
		},
	}
}

type watchOptions struct {
	broker string
	prefix string
}

func (o *watchOptions) run(ctx context.Context, cmd *cobra.Command, projectID string) error {
	client := relay.NewClient(relay.Config{BrokerURL: o.broker, ClientID: "comfygen-watch"})
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	w := relay.NewWatcher(client, o.prefix)
	if err := w.Watch(projectID, func(p relay.Progress) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d/%d\n", p.SceneID, p.Kind, p.Value, p.Max)
	}); err != nil {
		return err
	}
	defer w.Stop(projectID)

	<-ctx.Done()
	return nil
}

func newCmdWatch() *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Follow generation progress for a project over MQTT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd, args[0])
		},
	}
	broker := os.Getenv("MQTT_URL")
	if broker == "" {
		broker = "tcp://localhost:1883"
	}
	cmd.Flags().StringVar(&o.broker, "broker", broker, "MQTT broker URL")
	cmd.Flags().StringVar(&o.prefix, "prefix", "sceneforge", "topic prefix")
	return cmd
}
