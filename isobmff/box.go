// Package isobmff implements the shared ISO base media file format box
// model: box type identifiers, run-length table iterators for sample
// tables, descriptor parsing for codec configuration boxes, and a typed
// box tree with a bottom-up encoder. Package demux and package mux build
// on top of this to implement the demuxer and muxer proper.
package isobmff

import "encoding/binary"

var be = binary.BigEndian

const uint32Max = 1<<32 - 1

// BoxType is a 4-byte box type identifier (a "fourCC").
type BoxType [4]byte

func (t BoxType) String() string { return string(t[:]) }

func bt(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// BoxTypeFrom builds a BoxType from a 4-character string, for callers (e.g.
// package mux's ftyp brand writer) that need a literal fourCC not already
// named as a Type* constant.
func BoxTypeFrom(s string) BoxType { return bt(s) }

// Known box types.
var (
	TypeFtyp = bt("ftyp")
	TypeStyp = bt("styp")
	TypeMoov = bt("moov")
	TypeMvhd = bt("mvhd")
	TypeTrak = bt("trak")
	TypeTkhd = bt("tkhd")
	TypeTref = bt("tref")
	TypeTrgr = bt("trgr")
	TypeEdts = bt("edts")
	TypeElst = bt("elst")
	TypeMdia = bt("mdia")
	TypeMdhd = bt("mdhd")
	TypeHdlr = bt("hdlr")
	TypeElng = bt("elng")
	TypeMinf = bt("minf")
	TypeVmhd = bt("vmhd")
	TypeSmhd = bt("smhd")
	TypeHmhd = bt("hmhd")
	TypeSthd = bt("sthd")
	TypeNmhd = bt("nmhd")
	TypeDinf = bt("dinf")
	TypeDref = bt("dref")
	TypeUrl  = bt("url ")
	TypeStbl = bt("stbl")
	TypeStsd = bt("stsd")
	TypeStts = bt("stts")
	TypeCtts = bt("ctts")
	TypeCslg = bt("cslg")
	TypeStsc = bt("stsc")
	TypeStsz = bt("stsz")
	TypeStz2 = bt("stz2")
	TypeStco = bt("stco")
	TypeCo64 = bt("co64")
	TypeStss = bt("stss")
	TypeStsh = bt("stsh")
	TypePadb = bt("padb")
	TypeStdp = bt("stdp")
	TypeSdtp = bt("sdtp")
	TypeSbgp = bt("sbgp")
	TypeSgpd = bt("sgpd")
	TypeSubs = bt("subs")
	TypeSaiz = bt("saiz")
	TypeSaio = bt("saio")

	// Fragmented movie boxes.
	TypeMvex = bt("mvex")
	TypeMehd = bt("mehd")
	TypeTrex = bt("trex")
	TypeLeva = bt("leva")
	TypeMoof = bt("moof")
	TypeMfhd = bt("mfhd")
	TypeTraf = bt("traf")
	TypeTfhd = bt("tfhd")
	TypeTfdt = bt("tfdt")
	TypeTrun = bt("trun")
	TypeSidx = bt("sidx")
	TypeEmsg = bt("emsg")

	// Random-access / fragment index boxes.
	TypeMfra = bt("mfra")
	TypeTfra = bt("tfra")
	TypeMfro = bt("mfro")

	// Metadata boxes.
	TypeMeta = bt("meta")
	TypeUdta = bt("udta")

	// Data boxes.
	TypeMdat = bt("mdat")
	TypeFree = bt("free")
	TypeSkip = bt("skip")

	// Visual sample entry boxes.
	TypeAvc1 = bt("avc1")
	TypeAvcC = bt("avcC")
	TypeHvc1 = bt("hvc1")
	TypeHev1 = bt("hev1")
	TypeHvcC = bt("hvcC")
	TypeVp08 = bt("vp08")
	TypeVp09 = bt("vp09")
	TypeVpcC = bt("vpcC")
	TypeAv01 = bt("av01")
	TypeAv1C = bt("av1C")
	TypeBtrt = bt("btrt")
	TypePasp = bt("pasp")
	TypeColr = bt("colr")

	// Audio sample entry boxes.
	TypeMp4a = bt("mp4a")
	TypeEsds = bt("esds")
	TypeOpus = bt("Opus")
	TypeDOps = bt("dOps")
	TypeFLaC = bt("fLaC")
	TypeDfLa = bt("dfLa")
	TypeAc3  = bt("ac-3")
	TypeEc3  = bt("ec-3")
	TypeAlac = bt("alac")

	// PCM family (QuickTime).
	TypeSowt = bt("sowt")
	TypeTwos = bt("twos")
	TypeLpcm = bt("lpcm")
	TypeUlaw = bt("ulaw")
	TypeAlaw = bt("alaw")

	// Subtitle sample entries.
	TypeTx3g = bt("tx3g")
	TypeWvtt = bt("wvtt")
)

// IsFullBox returns true if the box type has version and flags fields.
func IsFullBox(t BoxType) bool {
	switch t {
	case TypeMvhd, TypeTkhd, TypeMdhd, TypeHdlr,
		TypeVmhd, TypeSmhd, TypeDref, TypeUrl, TypeStsd,
		TypeStts, TypeCtts, TypeStsc, TypeStsz,
		TypeStco, TypeCo64, TypeStss, TypeElst,
		TypeMeta, TypeEsds, TypeMehd, TypeTrex,
		TypeMfhd, TypeTfhd, TypeTfdt, TypeTrun,
		TypeSbgp, TypeSgpd, TypeSaiz, TypeSaio,
		TypeCslg, TypeSdtp, TypeSidx, TypeEmsg,
		TypeTfra, TypeMfro:
		return true
	}
	return false
}

// IsContainerBox returns true if the box type is a container that holds child boxes.
func IsContainerBox(t BoxType) bool {
	switch t {
	case TypeMoov, TypeTrak, TypeEdts, TypeMdia,
		TypeMinf, TypeDinf, TypeStbl, TypeUdta,
		TypeMeta, TypeMvex, TypeMoof, TypeTraf,
		TypeTref, TypeTrgr, TypeMfra:
		return true
	}
	return false
}

// IsVisualSampleEntry reports whether t names a video sample entry box.
func IsVisualSampleEntry(t BoxType) bool {
	switch t {
	case TypeAvc1, TypeHvc1, TypeHev1, TypeVp08, TypeVp09, TypeAv01:
		return true
	}
	return false
}

// IsAudioSampleEntry reports whether t names an audio sample entry box.
func IsAudioSampleEntry(t BoxType) bool {
	switch t {
	case TypeMp4a, TypeOpus, TypeFLaC, TypeAc3, TypeEc3, TypeAlac,
		TypeSowt, TypeTwos, TypeLpcm, TypeUlaw, TypeAlaw:
		return true
	}
	return false
}
