// Package raster reads point values from single-band GeoTIFF rasters.
//
// Only the subset of TIFF that the static inputs use is supported: classic
// (non-Big) TIFF in either byte order, strip or tile layout, uncompressed or
// deflate, no predictor, and integer or floating point samples. Georeferencing
// comes from ModelPixelScale and ModelTiepoint; no-data from GDAL_NODATA.
package raster

import (
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// TIFF tags read by Open.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGDALNoData      = 42113
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionOldDeflate = 32946

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

var typeSizes = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8,
}

var (
	errNotTIFF     = errors.New("not a TIFF file")
	errBigTIFF     = errors.New("BigTIFF is not supported")
	errOutOfBounds = errors.New("point outside raster extent")
)

// GeoTransform maps pixel space to map coordinates (pixel-is-area).
type GeoTransform struct {
	OriginX, OriginY float64 // map coordinate of the tie point
	TieI, TieJ       float64 // raster coordinate of the tie point
	ScaleX, ScaleY   float64 // pixel size; Y grows southward
}

// Pixel returns the column and row containing (x, y).
func (g GeoTransform) Pixel(x, y float64) (col, row int) {
	col = int(math.Floor((x-g.OriginX)/g.ScaleX + g.TieI))
	row = int(math.Floor((g.OriginY-y)/g.ScaleY + g.TieJ))
	return col, row
}

// GeoTIFF is an open single-band raster. Reads go through ReadAt and are
// safe for concurrent use.
type GeoTIFF struct {
	Path string

	src    io.ReaderAt
	closer io.Closer
	order  binary.ByteOrder

	Width, Height int
	Geo           GeoTransform
	NoData        *float64

	bits         int
	format       int
	samples      int
	planar       int
	compression  int
	blockW       int
	blockH       int
	blocksAcross int
	offsets      []uint64
	counts       []uint64
}

// Open opens and parses the GeoTIFF at path.
func Open(path string) (*GeoTIFF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	g, err := Decode(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open raster %s: %w", path, err)
	}
	g.Path = path
	g.closer = f
	return g, nil
}

// Decode parses TIFF metadata from src. Pixel data is read lazily.
func Decode(src io.ReaderAt) (*GeoTIFF, error) {
	var hdr [8]byte
	if _, err := src.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var order binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, errNotTIFF
	}
	switch order.Uint16(hdr[2:4]) {
	case 42:
	case 43:
		return nil, errBigTIFF
	default:
		return nil, errNotTIFF
	}

	g := &GeoTIFF{src: src, order: order}
	entries, err := g.readIFD(int64(order.Uint32(hdr[4:8])))
	if err != nil {
		return nil, err
	}
	if err := g.parse(entries); err != nil {
		return nil, err
	}
	return g, nil
}

// Close releases the underlying file.
func (g *GeoTIFF) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer.Close()
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   [4]byte
}

func (g *GeoTIFF) readIFD(offset int64) (map[uint16]ifdEntry, error) {
	var n [2]byte
	if _, err := g.src.ReadAt(n[:], offset); err != nil {
		return nil, fmt.Errorf("read IFD count: %w", err)
	}
	count := int(g.order.Uint16(n[:]))
	buf := make([]byte, 12*count)
	if _, err := g.src.ReadAt(buf, offset+2); err != nil {
		return nil, fmt.Errorf("read IFD entries: %w", err)
	}
	entries := make(map[uint16]ifdEntry, count)
	for i := range count {
		b := buf[12*i : 12*i+12]
		e := ifdEntry{
			tag:   g.order.Uint16(b[0:2]),
			typ:   g.order.Uint16(b[2:4]),
			count: g.order.Uint32(b[4:8]),
		}
		copy(e.raw[:], b[8:12])
		entries[e.tag] = e
	}
	return entries, nil
}

// valueBytes returns the raw bytes of an entry, inline or at its offset.
func (g *GeoTIFF) valueBytes(e ifdEntry) ([]byte, error) {
	size, ok := typeSizes[e.typ]
	if !ok {
		return nil, fmt.Errorf("tag %d: unsupported field type %d", e.tag, e.typ)
	}
	n := size * int(e.count)
	if n <= 4 {
		return e.raw[:n], nil
	}
	buf := make([]byte, n)
	if _, err := g.src.ReadAt(buf, int64(g.order.Uint32(e.raw[:]))); err != nil {
		return nil, fmt.Errorf("tag %d: %w", e.tag, err)
	}
	return buf, nil
}

func (g *GeoTIFF) uints(e ifdEntry) ([]uint64, error) {
	b, err := g.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case typeByte, typeUndefined:
			out[i] = uint64(b[i])
		case typeShort:
			out[i] = uint64(g.order.Uint16(b[2*i:]))
		case typeLong:
			out[i] = uint64(g.order.Uint32(b[4*i:]))
		default:
			return nil, fmt.Errorf("tag %d: expected integer type, got %d", e.tag, e.typ)
		}
	}
	return out, nil
}

func (g *GeoTIFF) floats(e ifdEntry) ([]float64, error) {
	b, err := g.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		switch e.typ {
		case typeDouble:
			out[i] = math.Float64frombits(g.order.Uint64(b[8*i:]))
		case typeFloat:
			out[i] = float64(math.Float32frombits(g.order.Uint32(b[4*i:])))
		default:
			return nil, fmt.Errorf("tag %d: expected floating point type, got %d", e.tag, e.typ)
		}
	}
	return out, nil
}

func (g *GeoTIFF) uintTag(entries map[uint16]ifdEntry, tag uint16, def uint64) (uint64, error) {
	e, ok := entries[tag]
	if !ok {
		return def, nil
	}
	v, err := g.uints(e)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return def, nil
	}
	return v[0], nil
}

func (g *GeoTIFF) parse(entries map[uint16]ifdEntry) error {
	fields := []struct {
		tag uint16
		def uint64
		dst *int
	}{
		{tagImageWidth, 0, &g.Width},
		{tagImageLength, 0, &g.Height},
		{tagBitsPerSample, 1, &g.bits},
		{tagSampleFormat, sampleUint, &g.format},
		{tagSamplesPerPixel, 1, &g.samples},
		{tagPlanarConfig, 1, &g.planar},
		{tagCompression, compressionNone, &g.compression},
	}
	for _, f := range fields {
		v, err := g.uintTag(entries, f.tag, f.def)
		if err != nil {
			return err
		}
		*f.dst = int(v)
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", g.Width, g.Height)
	}

	switch g.compression {
	case compressionNone, compressionDeflate, compressionOldDeflate:
	default:
		return fmt.Errorf("unsupported compression %d", g.compression)
	}
	if p, err := g.uintTag(entries, tagPredictor, 1); err != nil {
		return err
	} else if p != 1 {
		return fmt.Errorf("unsupported predictor %d", p)
	}
	switch g.format {
	case sampleUint, sampleInt:
		if g.bits != 8 && g.bits != 16 && g.bits != 32 && g.bits != 64 {
			return fmt.Errorf("unsupported integer sample size %d", g.bits)
		}
	case sampleFloat:
		if g.bits != 32 && g.bits != 64 {
			return fmt.Errorf("unsupported float sample size %d", g.bits)
		}
	default:
		return fmt.Errorf("unsupported sample format %d", g.format)
	}

	if err := g.parseLayout(entries); err != nil {
		return err
	}
	if err := g.parseGeo(entries); err != nil {
		return err
	}

	if e, ok := entries[tagGDALNoData]; ok {
		b, err := g.valueBytes(e)
		if err != nil {
			return err
		}
		s := strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			g.NoData = &v
		}
	}
	return nil
}

func (g *GeoTIFF) parseLayout(entries map[uint16]ifdEntry) error {
	offTag, cntTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)
	if _, tiled := entries[tagTileOffsets]; tiled {
		offTag, cntTag = tagTileOffsets, tagTileByteCounts
		tw, err := g.uintTag(entries, tagTileWidth, 0)
		if err != nil {
			return err
		}
		th, err := g.uintTag(entries, tagTileLength, 0)
		if err != nil {
			return err
		}
		g.blockW, g.blockH = int(tw), int(th)
	} else {
		rps, err := g.uintTag(entries, tagRowsPerStrip, uint64(g.Height))
		if err != nil {
			return err
		}
		g.blockW, g.blockH = g.Width, int(min(rps, uint64(g.Height)))
	}
	if g.blockW <= 0 || g.blockH <= 0 {
		return errors.New("invalid block dimensions")
	}
	g.blocksAcross = (g.Width + g.blockW - 1) / g.blockW

	offE, ok := entries[offTag]
	if !ok {
		return errors.New("missing data offsets")
	}
	cntE, ok := entries[cntTag]
	if !ok {
		return errors.New("missing byte counts")
	}
	var err error
	if g.offsets, err = g.uints(offE); err != nil {
		return err
	}
	if g.counts, err = g.uints(cntE); err != nil {
		return err
	}
	blocksDown := (g.Height + g.blockH - 1) / g.blockH
	need := g.blocksAcross * blocksDown
	if len(g.offsets) < need || len(g.counts) < need {
		return fmt.Errorf("expected %d blocks, found %d offsets and %d counts", need, len(g.offsets), len(g.counts))
	}
	return nil
}

func (g *GeoTIFF) parseGeo(entries map[uint16]ifdEntry) error {
	se, ok := entries[tagModelPixelScale]
	if !ok {
		return errors.New("missing ModelPixelScale tag")
	}
	te, ok := entries[tagModelTiepoint]
	if !ok {
		return errors.New("missing ModelTiepoint tag")
	}
	scale, err := g.floats(se)
	if err != nil {
		return err
	}
	tie, err := g.floats(te)
	if err != nil {
		return err
	}
	if len(scale) < 2 || len(tie) < 6 {
		return errors.New("malformed georeferencing tags")
	}
	if scale[0] == 0 || scale[1] == 0 {
		return errors.New("zero pixel scale")
	}
	g.Geo = GeoTransform{
		TieI: tie[0], TieJ: tie[1],
		OriginX: tie[3], OriginY: tie[4],
		ScaleX: scale[0], ScaleY: scale[1],
	}
	return nil
}

// At returns the band 1 value of the pixel containing (lon, lat) and whether
// it holds data. Points outside the raster return errOutOfBounds.
func (g *GeoTIFF) At(lon, lat float64) (float64, bool, error) {
	col, row := g.Geo.Pixel(lon, lat)
	if col < 0 || row < 0 || col >= g.Width || row >= g.Height {
		return 0, false, errOutOfBounds
	}
	v, err := g.pixel(col, row)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v, false, nil
	}
	if g.NoData != nil && v == *g.NoData {
		return v, false, nil
	}
	return v, true, nil
}

func (g *GeoTIFF) pixel(col, row int) (float64, error) {
	block := (row/g.blockH)*g.blocksAcross + col/g.blockW
	bytesPerSample := g.bits / 8
	stride := bytesPerSample
	if g.planar == 1 {
		stride *= g.samples
	}
	pos := int64(((row%g.blockH)*g.blockW + col%g.blockW) * stride)

	buf := make([]byte, bytesPerSample)
	off, cnt := int64(g.offsets[block]), int64(g.counts[block])
	switch g.compression {
	case compressionNone:
		if pos+int64(bytesPerSample) > cnt {
			return 0, fmt.Errorf("pixel %d,%d beyond block %d", col, row, block)
		}
		if _, err := g.src.ReadAt(buf, off+pos); err != nil {
			return 0, fmt.Errorf("read pixel: %w", err)
		}
	default:
		zr, err := zlib.NewReader(io.NewSectionReader(g.src, off, cnt))
		if err != nil {
			return 0, fmt.Errorf("inflate block %d: %w", block, err)
		}
		defer zr.Close()
		if _, err := io.CopyN(io.Discard, zr, pos); err != nil {
			return 0, fmt.Errorf("inflate block %d: %w", block, err)
		}
		if _, err := io.ReadFull(zr, buf); err != nil {
			return 0, fmt.Errorf("inflate block %d: %w", block, err)
		}
	}
	return g.sample(buf), nil
}

func (g *GeoTIFF) sample(b []byte) float64 {
	switch g.format {
	case sampleFloat:
		if g.bits == 32 {
			return float64(math.Float32frombits(g.order.Uint32(b)))
		}
		return math.Float64frombits(g.order.Uint64(b))
	case sampleInt:
		switch g.bits {
		case 8:
			return float64(int8(b[0]))
		case 16:
			return float64(int16(g.order.Uint16(b)))
		case 32:
			return float64(int32(g.order.Uint32(b)))
		default:
			return float64(int64(g.order.Uint64(b)))
		}
	default:
		switch g.bits {
		case 8:
			return float64(b[0])
		case 16:
			return float64(g.order.Uint16(b))
		case 32:
			return float64(g.order.Uint32(b))
		default:
			return float64(g.order.Uint64(b))
		}
	}
}
