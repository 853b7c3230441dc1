package cmd

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/convert"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff/demux"
	"github.com/tetsuo/mediabunny/isobmff/mux"
)

var (
	convertFormat       string
	convertFastStart    string
	convertDiscardVideo bool
	convertDiscardAudio bool
	convertDiscardSubs  bool
	convertTrimStartUs  int64
	convertTrimEndUs    int64
)

var convertCmd = &cobra.Command{
	Use:   "convert <input> <output>",
	Short: "Remux a media file into another container family",
	Long: `convert plans each input track as copy or discard and drives it through to the output. The CLI supplies
no decoder or encoder, so it only performs codec-compatible remuxing.
Trimming is set with the --trim-* flags; a YAML/JSON options file bound
with --config can override per-kind discard (tracks.<kind>.discard) and
no other track option.`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVar(&convertFormat, "format", "mp4", "output container family (mp4, mov)")
	convertCmd.Flags().StringVar(&convertFastStart, "faststart", "streaming", "fastStart strategy (streaming, inmemory, reserve, fragmented)")
	convertCmd.Flags().BoolVar(&convertDiscardVideo, "discard-video", false, "discard all video tracks")
	convertCmd.Flags().BoolVar(&convertDiscardAudio, "discard-audio", false, "discard all audio tracks")
	convertCmd.Flags().BoolVar(&convertDiscardSubs, "discard-subtitles", false, "discard all subtitle tracks")
	convertCmd.Flags().Int64Var(&convertTrimStartUs, "trim-start-us", 0, "trim window start, in microseconds")
	convertCmd.Flags().Int64Var(&convertTrimEndUs, "trim-end-us", 0, "trim window end, in microseconds (0 = end of track)")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	in, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer in.Close()

	input, err := demux.NewInput(ctx, iobuf.NewFileSource(in))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	out, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("creating %s: %w", args[1], err)
	}
	defer out.Close()

	family, err := parseFamily(convertFormat)
	if err != nil {
		return err
	}
	fastStart, err := parseFastStart(convertFastStart)
	if err != nil {
		return err
	}

	output := mux.NewOutput(iobuf.NewFileTarget(out), family, mux.WithFastStart(fastStart))

	var trim *convert.TrimWindow
	if convertTrimStartUs != 0 || convertTrimEndUs != 0 {
		end := convertTrimEndUs
		if end == 0 {
			end = math.MaxInt64
		}
		trim = &convert.TrimWindow{StartUs: convertTrimStartUs, EndUs: end}
	}

	opts := convert.Options{
		Video:    trackKindOptions(convertDiscardVideo, trim),
		Audio:    trackKindOptions(convertDiscardAudio, trim),
		Subtitle: trackKindOptions(convertDiscardSubs, trim),
		OnProgress: func(frac float64) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\rprogress: %5.1f%%", frac*100)
		},
	}
	applyTrackOptionsFile(&opts)

	conv, err := convert.New(ctx, input, output, opts)
	if err != nil {
		return fmt.Errorf("planning conversion: %w", err)
	}
	if !conv.IsValid() {
		return fmt.Errorf("no track survives planning for output format %s", family)
	}
	for _, plan := range conv.Plans() {
		fmt.Fprintf(cmd.ErrOrStderr(), "track %d (%s): %s\n", plan.Input.ID, plan.Input.Kind, plan.Mode)
	}

	if err := conv.Run(ctx); err != nil {
		return fmt.Errorf("converting: %w", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	return nil
}

func trackKindOptions(discard bool, trim *convert.TrimWindow) convert.KindOptions {
	return convert.Static(convert.TrackOptions{Discard: discard, Trim: trim})
}

// applyTrackOptionsFile layers per-kind overrides from the viper-bound
// config file (if any) on top of the flag-derived defaults. Keys read:
// tracks.video.discard, tracks.audio.discard, tracks.subtitle.discard.
func applyTrackOptionsFile(opts *convert.Options) {
	for _, kind := range []string{"video", "audio", "subtitle"} {
		if !viper.IsSet("tracks." + kind + ".discard") {
			continue
		}
		discard := viper.GetBool("tracks." + kind + ".discard")
		switch kind {
		case "video":
			to := opts.Video.Static
			to.Discard = discard
			opts.Video = convert.Static(to)
		case "audio":
			to := opts.Audio.Static
			to.Discard = discard
			opts.Audio = convert.Static(to)
		case "subtitle":
			to := opts.Subtitle.Static
			to.Discard = discard
			opts.Subtitle = convert.Static(to)
		}
	}
}

func parseFamily(s string) (codec.OutputFamily, error) {
	switch s {
	case "mp4":
		return codec.FamilyMP4, nil
	case "mov":
		return codec.FamilyQuickTime, nil
	case "matroska", "avi":
		// The codec compatibility matrix knows these families, but no
		// writer for them exists yet; only ISOBMFF output is implemented.
		return "", fmt.Errorf("output format %q is not implemented (supported: mp4, mov)", s)
	}
	return "", fmt.Errorf("unknown output format %q (supported: mp4, mov)", s)
}

func parseFastStart(s string) (mux.FastStart, error) {
	switch s {
	case "streaming":
		return mux.FastStartStreaming, nil
	case "inmemory":
		return mux.FastStartInMemory, nil
	case "reserve":
		return mux.FastStartReserve, nil
	case "fragmented":
		return mux.FastStartFragmented, nil
	}
	return 0, fmt.Errorf("unknown faststart strategy %q", s)
}
