package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Grid is an in-memory float32 raster in row-major order, north row first.
type Grid struct {
	Width, Height int
	Data          []float32
	West, North   float64 // map coordinate of the top-left corner
	PixelSize     float64 // degrees
	NoData        *float64
}

// WriteOptions controls the on-disk layout produced by WriteGeoTIFF.
type WriteOptions struct {
	TileSize  int                    // 0 writes one strip per row
	Deflate   bool                   // zlib-compress each block
	ByteOrder binary.AppendByteOrder // defaults to little-endian
}

type outEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// WriteGeoTIFF encodes g as a single-band float32 GeoTIFF.
func WriteGeoTIFF(w io.Writer, g Grid, opts WriteOptions) error {
	if g.Width <= 0 || g.Height <= 0 || len(g.Data) != g.Width*g.Height {
		return errors.New("grid dimensions do not match data")
	}
	if g.PixelSize <= 0 {
		return errors.New("pixel size must be positive")
	}
	order := opts.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	blockW, blockH := g.Width, 1
	if opts.TileSize > 0 {
		blockW, blockH = opts.TileSize, opts.TileSize
	}
	across := (g.Width + blockW - 1) / blockW
	down := (g.Height + blockH - 1) / blockH

	var body bytes.Buffer
	offsets := make([]uint32, 0, across*down)
	counts := make([]uint32, 0, across*down)
	const headerSize = 8
	for by := range down {
		for bx := range across {
			raw := make([]byte, 0, blockW*blockH*4)
			for r := range blockH {
				for c := range blockW {
					row, col := by*blockH+r, bx*blockW+c
					var v float32
					if row < g.Height && col < g.Width {
						v = g.Data[row*g.Width+col]
					}
					raw = order.AppendUint32(raw, math.Float32bits(v))
				}
			}
			if opts.Deflate {
				var zb bytes.Buffer
				zw := zlib.NewWriter(&zb)
				if _, err := zw.Write(raw); err != nil {
					return err
				}
				if err := zw.Close(); err != nil {
					return err
				}
				raw = zb.Bytes()
			}
			offsets = append(offsets, uint32(headerSize+body.Len()))
			counts = append(counts, uint32(len(raw)))
			body.Write(raw)
		}
	}
	if body.Len()%2 == 1 {
		body.WriteByte(0)
	}

	compression := uint16(compressionNone)
	if opts.Deflate {
		compression = compressionDeflate
	}
	short := func(tag uint16, v uint16) outEntry {
		return outEntry{tag: tag, typ: typeShort, count: 1, data: order.AppendUint16(nil, v)}
	}
	long := func(tag uint16, v uint32) outEntry {
		return outEntry{tag: tag, typ: typeLong, count: 1, data: order.AppendUint32(nil, v)}
	}
	longs := func(tag uint16, vs []uint32) outEntry {
		var b []byte
		for _, v := range vs {
			b = order.AppendUint32(b, v)
		}
		return outEntry{tag: tag, typ: typeLong, count: uint32(len(vs)), data: b}
	}
	doubles := func(tag uint16, vs ...float64) outEntry {
		var b []byte
		for _, v := range vs {
			b = order.AppendUint64(b, math.Float64bits(v))
		}
		return outEntry{tag: tag, typ: typeDouble, count: uint32(len(vs)), data: b}
	}

	entries := []outEntry{
		long(tagImageWidth, uint32(g.Width)),
		long(tagImageLength, uint32(g.Height)),
		short(tagBitsPerSample, 32),
		short(tagCompression, compression),
		short(tagPhotometric, 1),
		short(tagSamplesPerPixel, 1),
		short(tagPlanarConfig, 1),
		short(tagSampleFormat, sampleFloat),
		doubles(tagModelPixelScale, g.PixelSize, g.PixelSize, 0),
		doubles(tagModelTiepoint, 0, 0, 0, g.West, g.North, 0),
	}
	if opts.TileSize > 0 {
		entries = append(entries,
			long(tagTileWidth, uint32(blockW)),
			long(tagTileLength, uint32(blockH)),
			longs(tagTileOffsets, offsets),
			longs(tagTileByteCounts, counts),
		)
	} else {
		entries = append(entries,
			longs(tagStripOffsets, offsets),
			long(tagRowsPerStrip, uint32(blockH)),
			longs(tagStripByteCounts, counts),
		)
	}
	if g.NoData != nil {
		s := strconv.FormatFloat(*g.NoData, 'g', -1, 64) + "\x00"
		entries = append(entries, outEntry{tag: tagGDALNoData, typ: typeASCII, count: uint32(len(s)), data: []byte(s)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdOffset := uint32(headerSize + body.Len())
	extraOffset := ifdOffset + 2 + 12*uint32(len(entries)) + 4

	var ifd, extra bytes.Buffer
	ifd.Write(order.AppendUint16(nil, uint16(len(entries))))
	for _, e := range entries {
		ifd.Write(order.AppendUint16(nil, e.tag))
		ifd.Write(order.AppendUint16(nil, e.typ))
		ifd.Write(order.AppendUint32(nil, e.count))
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			ifd.Write(inline[:])
			continue
		}
		ifd.Write(order.AppendUint32(nil, extraOffset+uint32(extra.Len())))
		extra.Write(e.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	ifd.Write([]byte{0, 0, 0, 0})

	header := make([]byte, 0, headerSize)
	if order == binary.BigEndian {
		header = append(header, 'M', 'M')
	} else {
		header = append(header, 'I', 'I')
	}
	header = order.AppendUint16(header, 42)
	header = order.AppendUint32(header, ifdOffset)

	for _, part := range [][]byte{header, body.Bytes(), ifd.Bytes(), extra.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("write geotiff: %w", err)
		}
	}
	return nil
}

// WriteFile writes g to path, creating parent directories.
func WriteFile(path string, g Grid, opts WriteOptions) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := WriteGeoTIFF(&buf, g, opts); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
