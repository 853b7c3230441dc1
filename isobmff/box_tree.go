package isobmff

import (
	"context"

	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/mberrors"
)

// Node is one parsed box in a tree. Leaf and data boxes carry their body in
// Body (for full boxes, Body starts with the version/flags word); container
// boxes additionally carry Children. Sample entry boxes (avc1, mp4a, hvc1,
// ...) are treated as containers even though they are not flagged by
// IsContainerBox, since their payload is a fixed entry header followed by a
// nested box list (avcC, esds, ...).
type Node struct {
	Type       BoxType
	Offset     int64 // absolute offset of the box header in the source
	Size       int64 // total size including header
	HeaderSize int
	Body       []byte // raw payload, or entry header + trailing bytes for sample entries
	Children   []*Node
}

// Child returns the first direct child of type t, or nil.
func (n *Node) Child(t BoxType) *Node {
	for _, c := range n.Children {
		if c.Type == t {
			return c
		}
	}
	return nil
}

// ChildList returns all direct children of type t.
func (n *Node) ChildList(t BoxType) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// FullBoxVersionFlags decodes the version/flags word at the front of Body.
// Only valid if IsFullBox(n.Type).
func (n *Node) FullBoxVersionFlags() (version uint8, flags uint32) {
	if len(n.Body) < 4 {
		return 0, 0
	}
	version = n.Body[0]
	flags = uint32(n.Body[1])<<16 | uint32(n.Body[2])<<8 | uint32(n.Body[3])
	return version, flags
}

// isSampleEntryContainer reports whether t is a sample entry box whose
// payload, after a fixed entry header, holds nested configuration boxes.
func isSampleEntryContainer(t BoxType) bool {
	return IsVisualSampleEntry(t) || IsAudioSampleEntry(t) || t == TypeTx3g || t == TypeWvtt
}

// sampleEntryHeaderLen returns the byte length of the fixed entry header
// that precedes a sample entry's nested boxes.
func sampleEntryHeaderLen(t BoxType) int {
	if IsVisualSampleEntry(t) {
		return 78 // VisualSampleEntry fixed fields (ISO/IEC 14496-12 §8.5.2)
	}
	if IsAudioSampleEntry(t) {
		return 28 // AudioSampleEntry fixed fields
	}
	return 8 // reserved(6)+index(2), common sample entry prefix
}

// ParseTree recursively parses the box at [start,end) in r into a Node tree,
// loading whatever byte ranges it touches. Used to parse moov (and other
// wholly in-memory structures like a moof) into a navigable tree; sample
// data under mdat is never parsed this way and stays addressed by offset.
func ParseTree(ctx context.Context, r *iobuf.Reader, start, end int64) (*Node, error) {
	if err := r.LoadRange(ctx, start, minI64(start+16, end)); err != nil {
		return nil, err
	}
	r.Seek(start)
	size64, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	typeBytes, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	var t BoxType
	copy(t[:], typeBytes)

	size := int64(size64)
	headerSize := 8
	if size == 1 {
		ext, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		size = int64(ext)
		headerSize = 16
	} else if size == 0 {
		size = end - start
	}
	if size < int64(headerSize) || start+size > end {
		return nil, mberrors.New(mberrors.Malformed, "box %s at %d has invalid size %d", t, start, size)
	}

	bodyStart := start + int64(headerSize)
	bodyEnd := start + size

	n := &Node{Type: t, Offset: start, Size: size, HeaderSize: headerSize}

	// Media-data and padding boxes stay opaque: their payload is addressed
	// by offset through the sample tables, never through the tree, so
	// loading it here would blow the metadata reader's budget for nothing.
	if t == TypeMdat || t == TypeFree || t == TypeSkip {
		return n, nil
	}

	if err := r.LoadRange(ctx, bodyStart, bodyEnd); err != nil {
		return nil, err
	}

	switch {
	case IsContainerBox(t):
		children, err := parseChildren(ctx, r, bodyStart, bodyEnd)
		if err != nil {
			return nil, err
		}
		n.Children = children
	case t == TypeStsd:
		body, err := readSpan(r, bodyStart, bodyEnd)
		if err != nil {
			return nil, err
		}
		n.Body = body
		if len(body) >= 8 {
			children, err := parseChildren(ctx, r, bodyStart+8, bodyEnd)
			if err != nil {
				return nil, err
			}
			n.Children = children
		}
	case isSampleEntryContainer(t):
		body, err := readSpan(r, bodyStart, bodyEnd)
		if err != nil {
			return nil, err
		}
		n.Body = body
		hdrLen := int64(sampleEntryHeaderLen(t))
		if hdrLen < bodyEnd-bodyStart {
			children, err := parseChildren(ctx, r, bodyStart+hdrLen, bodyEnd)
			if err != nil {
				return nil, err
			}
			n.Children = children
		}
	default:
		body, err := readSpan(r, bodyStart, bodyEnd)
		if err != nil {
			return nil, err
		}
		n.Body = body
	}
	return n, nil
}

func parseChildren(ctx context.Context, r *iobuf.Reader, start, end int64) ([]*Node, error) {
	var out []*Node
	pos := start
	for pos < end {
		child, err := ParseTree(ctx, r, pos, end)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
		pos += child.Size
	}
	return out, nil
}

func readSpan(r *iobuf.Reader, start, end int64) ([]byte, error) {
	r.Seek(start)
	b, err := r.ReadBytes(int(end - start))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Encode serializes n and its children bottom-up into w, used when an
// entire subtree (typically a freshly built moov for an init segment) is
// assembled in memory ahead of writing. Box sizes are computed from the
// encoded length rather than
// patched after the fact, since the whole tree already exists in memory.
func Encode(ctx context.Context, w *iobuf.Writer, n *Node) error {
	payload, err := encodeNode(n)
	if err != nil {
		return err
	}
	return w.Write(ctx, payload)
}

func encodeNode(n *Node) ([]byte, error) {
	var body []byte
	if len(n.Body) > 0 {
		body = append(body, n.Body...)
	}
	for _, c := range n.Children {
		enc, err := encodeNode(c)
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}
	if n.Type == TypeStsd && len(n.Children) > 0 && len(n.Body) == 0 {
		// stsd's entry-count prefix is normally preserved via Body; a
		// synthetically built stsd with no Body is an authoring error.
		return nil, mberrors.New(mberrors.Internal, "stsd node missing entry-count body")
	}

	total := int64(8 + len(body))
	out := make([]byte, 0, total)
	if total > uint32Max {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n.Type[:]...)
		var ext [8]byte
		be.PutUint64(ext[:], uint64(total+8))
		out = append(out, ext[:]...)
	} else {
		var sz [4]byte
		be.PutUint32(sz[:], uint32(total))
		out = append(out, sz[:]...)
		out = append(out, n.Type[:]...)
	}
	out = append(out, body...)
	return out, nil
}
