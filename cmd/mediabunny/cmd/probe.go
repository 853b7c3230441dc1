package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff/demux"
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Print track and sample-table summary for a media file",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	in, err := demux.NewInput(ctx, iobuf.NewFileSource(f))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	fmt.Printf("fragmented=%v durationUs=%d tracks=%d\n", in.Fragmented(), in.DurationUs(), len(in.Tracks()))
	for _, t := range in.Tracks() {
		fmt.Printf("  track %d: kind=%s codec=%s timescale=%d durationUs=%d %dx%d rotation=%d\n",
			t.ID, t.Kind, t.Codec.Codec, t.Timescale, t.DurationUs, t.Codec.Width, t.Codec.Height, t.Codec.Rotation)
		if t.Codec.SampleRate != 0 {
			fmt.Printf("    sampleRate=%d channels=%d\n", t.Codec.SampleRate, t.Codec.ChannelCount)
		}
		if in.Fragmented() {
			continue
		}
		n, err := t.NumSamples(ctx)
		if err != nil {
			fmt.Printf("    numSamples: error: %v\n", err)
			continue
		}
		fmt.Printf("    numSamples=%d\n", n)
	}
	return nil
}
