package localize

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/seqsense/pcgol/pc"
)

// PCDType is the DATA encoding of a PCD file.
type PCDType int

const (
	// PCDAscii stores one whitespace separated point per line.
	PCDAscii PCDType = iota
	// PCDBinary stores packed little-endian records.
	PCDBinary
	// PCDBinaryCompressed stores LZF-compressed columns, as PCL saves maps.
	// It can be read but not written.
	PCDBinaryCompressed
)

const (
	// maxPCDPoints bounds the POINTS a header may declare.
	maxPCDPoints = 1 << 26
	// maxPCDRecord bounds the bytes of one point record.
	maxPCDRecord = 1 << 12
	// Clouds grow from at most this many preallocated points.
	pcdPrealloc = 1 << 16
)

type pcdField struct {
	name  string
	size  int
	typ   byte // F, I or U
	count int
}

type pcdHeader struct {
	fields []pcdField
	width  int
	height int
	points int
	data   PCDType
}

func (h *pcdHeader) index(name string) int {
	for i, f := range h.fields {
		if f.name == name {
			return i
		}
	}
	return -1
}

func (h *pcdHeader) recordSize() int {
	n := 0
	for _, f := range h.fields {
		n += f.size * f.count
	}
	return n
}

// LoadPCDFile reads a PCD file from disk.
func LoadPCDFile(path string) (PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pcd file: %w", err)
	}
	defer f.Close()

	cloud, err := ReadPCD(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return cloud, nil
}

// ReadPCD decodes an ascii, binary or binary_compressed PCD stream. The x, y
// and z fields are required. An intensity field is used when present.
func ReadPCD(r io.Reader) (PointCloud, error) {
	in := bufio.NewReader(r)
	var raw bytes.Buffer
	header, err := readPCDHeader(in, &raw)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"x", "y", "z"} {
		if header.index(name) < 0 {
			return nil, fmt.Errorf("pcd has no %q field", name)
		}
	}

	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	case PCDBinaryCompressed:
		return readPCDCompressed(&raw, in, header)
	default:
		return nil, fmt.Errorf("unsupported pcd data type %v", header.data)
	}
}

// readPCDHeader parses header lines up to and including DATA, copying them
// to raw.
func readPCDHeader(in *bufio.Reader, raw *bytes.Buffer) (*pcdHeader, error) {
	h := &pcdHeader{height: 1}
	var sizes, counts []int
	var types []string
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading pcd header: %w", err)
		}
		raw.WriteString(line)
		line, _, _ = strings.Cut(line, "#")
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		key, vals := strings.ToUpper(tokens[0]), tokens[1:]

		switch key {
		case "VERSION", "VIEWPOINT":
		case "FIELDS":
			h.fields = make([]pcdField, len(vals))
			for i, v := range vals {
				h.fields[i] = pcdField{name: strings.ToLower(v), size: 4, typ: 'F', count: 1}
			}
		case "SIZE":
			if sizes, err = atoiAll(vals); err != nil {
				return nil, fmt.Errorf("pcd SIZE: %w", err)
			}
		case "TYPE":
			types = vals
		case "COUNT":
			if counts, err = atoiAll(vals); err != nil {
				return nil, fmt.Errorf("pcd COUNT: %w", err)
			}
		case "WIDTH":
			if h.width, err = atoiOne(vals); err != nil {
				return nil, fmt.Errorf("pcd WIDTH: %w", err)
			}
		case "HEIGHT":
			if h.height, err = atoiOne(vals); err != nil {
				return nil, fmt.Errorf("pcd HEIGHT: %w", err)
			}
		case "POINTS":
			if h.points, err = atoiOne(vals); err != nil {
				return nil, fmt.Errorf("pcd POINTS: %w", err)
			}
		case "DATA":
			if len(vals) != 1 {
				return nil, fmt.Errorf("pcd DATA line malformed")
			}
			switch strings.ToLower(vals[0]) {
			case "ascii":
				h.data = PCDAscii
			case "binary":
				h.data = PCDBinary
			case "binary_compressed":
				h.data = PCDBinaryCompressed
			default:
				return nil, fmt.Errorf("unsupported pcd data encoding %q", vals[0])
			}
			return h.finish(sizes, types, counts)
		default:
			return nil, fmt.Errorf("unknown pcd header line %q", key)
		}
	}
}

func (h *pcdHeader) finish(sizes []int, types []string, counts []int) (*pcdHeader, error) {
	if len(h.fields) == 0 {
		return nil, fmt.Errorf("pcd header has no FIELDS")
	}
	n := len(h.fields)
	if sizes != nil && len(sizes) != n {
		return nil, fmt.Errorf("pcd SIZE has %d entries for %d fields", len(sizes), n)
	}
	if types != nil && len(types) != n {
		return nil, fmt.Errorf("pcd TYPE has %d entries for %d fields", len(types), n)
	}
	if counts != nil && len(counts) != n {
		return nil, fmt.Errorf("pcd COUNT has %d entries for %d fields", len(counts), n)
	}
	for i := range h.fields {
		if sizes != nil {
			h.fields[i].size = sizes[i]
		}
		if types != nil {
			h.fields[i].typ = strings.ToUpper(types[i])[0]
		}
		if counts != nil {
			h.fields[i].count = counts[i]
		}
		f := h.fields[i]
		if f.count < 1 || f.count > maxPCDRecord {
			return nil, fmt.Errorf("pcd field %s has count %d", f.name, f.count)
		}
		switch {
		case f.typ == 'F' && (f.size == 4 || f.size == 8):
		case (f.typ == 'I' || f.typ == 'U') && (f.size == 1 || f.size == 2 || f.size == 4 || f.size == 8):
		default:
			return nil, fmt.Errorf("pcd field %s has unsupported type %c%d", f.name, f.typ, f.size)
		}
	}
	if n := h.recordSize(); n > maxPCDRecord {
		return nil, fmt.Errorf("pcd record of %d bytes exceeds %d", n, maxPCDRecord)
	}

	switch {
	case h.width < 0 || h.height < 0 || h.points < 0:
		return nil, fmt.Errorf("pcd WIDTH %d, HEIGHT %d and POINTS %d must not be negative", h.width, h.height, h.points)
	case h.points > maxPCDPoints:
		return nil, fmt.Errorf("pcd POINTS %d exceeds %d", h.points, maxPCDPoints)
	case h.width != 0 && h.height > maxPCDPoints/h.width:
		return nil, fmt.Errorf("pcd WIDTH*HEIGHT %d*%d exceeds %d points", h.width, h.height, maxPCDPoints)
	}
	if h.points == 0 {
		h.points = h.width * h.height
	}
	if h.width*h.height != h.points {
		return nil, fmt.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", h.points, h.width*h.height)
	}
	return h, nil
}

func atoiAll(vals []string) ([]int, error) {
	out := make([]int, len(vals))
	for i, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func atoiOne(vals []string) (int, error) {
	if len(vals) != 1 {
		return 0, fmt.Errorf("expected one value, got %d", len(vals))
	}
	return strconv.Atoi(vals[0])
}

func readPCDAscii(in *bufio.Reader, h *pcdHeader) (PointCloud, error) {
	// Value offsets of each field within a line.
	offsets := make([]int, len(h.fields))
	total := 0
	for i, f := range h.fields {
		offsets[i] = total
		total += f.count
	}
	ix, iy, iz, ii := h.index("x"), h.index("y"), h.index("z"), h.index("intensity")

	cloud := make(PointCloud, 0, min(h.points, pcdPrealloc))
	for len(cloud) < h.points {
		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || strings.TrimSpace(line) == "") {
			return nil, fmt.Errorf("point %d: %w", len(cloud), io.ErrUnexpectedEOF)
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) != total {
			return nil, fmt.Errorf("point %d has %d values, want %d", len(cloud), len(tokens), total)
		}
		parse := func(field int) (float64, error) {
			return strconv.ParseFloat(tokens[offsets[field]], 64)
		}
		var p Point
		if p.X, err = parse(ix); err != nil {
			return nil, fmt.Errorf("point %d x: %w", len(cloud), err)
		}
		if p.Y, err = parse(iy); err != nil {
			return nil, fmt.Errorf("point %d y: %w", len(cloud), err)
		}
		if p.Z, err = parse(iz); err != nil {
			return nil, fmt.Errorf("point %d z: %w", len(cloud), err)
		}
		if ii >= 0 {
			if p.Intensity, err = parse(ii); err != nil {
				return nil, fmt.Errorf("point %d intensity: %w", len(cloud), err)
			}
		}
		cloud = append(cloud, p)
	}
	return cloud, nil
}

// pointDecoder returns a function extracting a Point from one packed record.
func (h *pcdHeader) pointDecoder() func(rec []byte) Point {
	offsets := make([]int, len(h.fields))
	total := 0
	for i, f := range h.fields {
		offsets[i] = total
		total += f.size * f.count
	}
	ix, iy, iz, ii := h.index("x"), h.index("y"), h.index("z"), h.index("intensity")
	value := func(rec []byte, field int) float64 {
		f := h.fields[field]
		return decodePCDValue(rec[offsets[field]:offsets[field]+f.size], f)
	}
	return func(rec []byte) Point {
		p := Point{X: value(rec, ix), Y: value(rec, iy), Z: value(rec, iz)}
		if ii >= 0 {
			p.Intensity = value(rec, ii)
		}
		return p
	}
}

func readPCDBinary(in *bufio.Reader, h *pcdHeader) (PointCloud, error) {
	decode := h.pointDecoder()
	cloud := make(PointCloud, 0, min(h.points, pcdPrealloc))
	rec := make([]byte, h.recordSize())
	for i := 0; i < h.points; i++ {
		if _, err := io.ReadFull(in, rec); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		cloud = append(cloud, decode(rec))
	}
	return cloud, nil
}

// readPCDCompressed decodes a binary_compressed body with pcgol. header holds
// the raw header text already consumed from in. The block sizes are checked
// against the parsed header before anything is decompressed.
func readPCDCompressed(header *bytes.Buffer, in *bufio.Reader, h *pcdHeader) (PointCloud, error) {
	sizes, err := in.Peek(8)
	if err != nil {
		return nil, fmt.Errorf("pcd compressed block sizes: %w", io.ErrUnexpectedEOF)
	}
	compressed := int64(binary.LittleEndian.Uint32(sizes))
	uncompressed := int64(binary.LittleEndian.Uint32(sizes[4:]))
	want := int64(h.points) * int64(h.recordSize())
	switch {
	case uncompressed != want:
		return nil, fmt.Errorf("pcd compressed block holds %d bytes, header needs %d", uncompressed, want)
	case uncompressed > maxMapBytes || compressed > maxMapBytes:
		return nil, fmt.Errorf("pcd compressed block of %d bytes (%d inflated) is too large", compressed, uncompressed)
	}

	pp, err := pc.Unmarshal(io.MultiReader(header, in))
	if err != nil {
		return nil, fmt.Errorf("decoding binary_compressed pcd: %w", err)
	}
	stride := h.recordSize()
	if pp.Points != h.points || len(pp.Data) < h.points*stride {
		return nil, fmt.Errorf("pcd decoded %d points in %d bytes, want %d", pp.Points, len(pp.Data), h.points)
	}

	// pcgol hands back row-major records.
	decode := h.pointDecoder()
	cloud := make(PointCloud, 0, h.points)
	for i := 0; i < h.points; i++ {
		cloud = append(cloud, decode(pp.Data[i*stride:(i+1)*stride]))
	}
	return cloud, nil
}

func decodePCDValue(b []byte, f pcdField) float64 {
	switch f.typ {
	case 'F':
		if f.size == 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case 'I':
		switch f.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	default:
		switch f.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(b))
		case 4:
			return float64(binary.LittleEndian.Uint32(b))
		default:
			return float64(binary.LittleEndian.Uint64(b))
		}
	}
}

// WritePCD encodes a cloud with x y z intensity float fields. Binary output
// is produced by pcgol.
func WritePCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	switch outputType {
	case PCDAscii:
		return writePCDAscii(cloud, out)
	case PCDBinary:
		return pc.Marshal(toPCGol(cloud), out)
	default:
		return fmt.Errorf("unsupported pcd output type %v", outputType)
	}
}

// toPCGol packs cloud into float32 x y z intensity records.
func toPCGol(cloud PointCloud) *pc.PointCloud {
	data := make([]byte, 16*len(cloud))
	for i, p := range cloud {
		rec := data[16*i:]
		binary.LittleEndian.PutUint32(rec, math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(rec[4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(rec[8:], math.Float32bits(float32(p.Z)))
		binary.LittleEndian.PutUint32(rec[12:], math.Float32bits(float32(p.Intensity)))
	}
	return &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Version:   0.7,
			Fields:    []string{"x", "y", "z", "intensity"},
			Size:      []int{4, 4, 4, 4},
			Type:      []string{"F", "F", "F", "F"},
			Count:     []int{1, 1, 1, 1},
			Width:     len(cloud),
			Height:    1,
			Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
		},
		Points: len(cloud),
		Data:   data,
	}
}

func writePCDAscii(cloud PointCloud, out io.Writer) error {
	w := bufio.NewWriter(out)
	if _, err := fmt.Fprintf(w, "VERSION .7\n"+
		"FIELDS x y z intensity\n"+
		"SIZE 4 4 4 4\n"+
		"TYPE F F F F\n"+
		"COUNT 1 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA ascii\n", len(cloud), len(cloud)); err != nil {
		return err
	}
	for _, p := range cloud {
		if _, err := fmt.Fprintf(w, "%g %g %g %g\n", p.X, p.Y, p.Z, p.Intensity); err != nil {
			return err
		}
	}
	return w.Flush()
}
