package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff"
)

const dumpMetadataBudget = 64 << 20

var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print the box tree of a media file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}

func runDump(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	src := iobuf.NewFileSource(f)
	size, err := src.Size(ctx)
	if err != nil {
		return fmt.Errorf("stat %s: %w", args[0], err)
	}

	r := iobuf.NewReader(src, dumpMetadataBudget)

	pos := int64(0)
	for pos < size {
		if err := r.LoadRange(ctx, pos, min64(pos+16, size)); err != nil {
			return err
		}
		node, err := isobmff.ParseTree(ctx, r, pos, size)
		if err != nil {
			return err
		}
		printNode(node, 0)
		pos += node.Size
	}
	return nil
}

func printNode(n *isobmff.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s[%s] offset=%d size=%d\n", indent, n.Type, n.Offset, n.Size)
	for _, c := range n.Children {
		printNode(c, depth+1)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
