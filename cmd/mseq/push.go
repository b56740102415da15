package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	srtingest "github.com/zsiec/mseq/internal/ingest/srt"
)

type pushOptions struct {
	addr     string
	key      string
	loop     bool
	duration float64
}

func newPushCmd() *cobra.Command {
	var opts pushOptions
	cmd := &cobra.Command{
		Use:   "push <file.ts>",
		Short: "Publish a transport stream file to an SRT listener in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if opts.addr == "" {
				opts.addr = envOr("SRT_ADDR", "127.0.0.1:6000")
			}
			return srtingest.Push(cmd.Context(), opts.addr, streamID(args[0], opts.key), data, srtingest.PushOptions{
				Loop:     opts.loop,
				Duration: opts.duration,
			})
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "SRT listener address (default $SRT_ADDR or 127.0.0.1:6000)")
	cmd.Flags().StringVar(&opts.key, "key", "", "stream key (default: file name without extension)")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "replay the file until interrupted")
	cmd.Flags().Float64Var(&opts.duration, "duration", 0, "pacing span in seconds (default: from timestamps)")
	return cmd
}

func streamID(path, key string) string {
	if key == "" {
		base := filepath.Base(path)
		key = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return "live/" + key
}
