package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/spf13/cobra"
)

type pushOptions struct {
	file        string
	prompt      string
	description string
	tags        []string
	refs        []string
	priority    int
	realSubmit  bool
	model       relayapi.ModelConfig
}

func newPushCmd() *cobra.Command {
	opts := &pushOptions{}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Enqueue tasks",
		Long: `Enqueue tasks from a YAML or JSON task file (-f) or a single task described by flags.
Reference images given with --ref or a task file's "references" list are inlined as base64.`,
		Example: `  relayctl push -f tasks.yaml
  relayctl push --prompt "the cat from @1 jumps" --ref cat.png --tag demo --real-submit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := opts.specs()
			if err != nil {
				return err
			}

			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			codes, notified, err := c.Push(cmd.Context(), specs)
			if err != nil {
				return fmt.Errorf("push: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, code := range codes {
				fmt.Fprintln(out, code)
			}
			fmt.Fprintf(out, "%d task(s) enqueued, %d client(s) notified\n", len(codes), notified)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "task file (YAML or JSON)")
	f.StringVar(&opts.prompt, "prompt", "", "generation prompt")
	f.StringVar(&opts.description, "description", "", "free-form description")
	f.StringSliceVar(&opts.tags, "tag", nil, "tag (repeatable)")
	f.StringSliceVar(&opts.refs, "ref", nil, "reference image path (repeatable, ordered)")
	f.IntVar(&opts.priority, "priority", 0, "advisory priority")
	f.BoolVar(&opts.realSubmit, "real-submit", false, "submit for real and request an upscale")
	f.StringVar(&opts.model.Model, "model", "", "model name")
	f.StringVar(&opts.model.ReferenceMode, "reference-mode", "", "reference mode")
	f.StringVar(&opts.model.AspectRatio, "aspect-ratio", "", "aspect ratio, e.g. 16:9")
	f.StringVar(&opts.model.Duration, "duration", "", "clip duration, e.g. 5s")
	cmd.MarkFlagsMutuallyExclusive("file", "prompt")

	return cmd
}

func (o *pushOptions) specs() ([]relayapi.TaskSpec, error) {
	if o.file != "" {
		return loadTaskFile(o.file)
	}
	if strings.TrimSpace(o.prompt) == "" {
		return nil, errors.New("either --file or --prompt is required")
	}

	spec := relayapi.TaskSpec{
		Priority:    o.priority,
		Tags:        o.tags,
		Description: o.description,
		Prompt:      o.prompt,
		RealSubmit:  o.realSubmit,
	}
	if o.model != (relayapi.ModelConfig{}) {
		mc := o.model
		spec.ModelConfig = &mc
	}
	for _, ref := range o.refs {
		rf, err := referenceFile(ref)
		if err != nil {
			return nil, err
		}
		spec.ReferenceFiles = append(spec.ReferenceFiles, rf)
	}
	return []relayapi.TaskSpec{spec}, nil
}
