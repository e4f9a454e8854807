package czmil

import (
	"bufio"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	stgpsr "github.com/yuin/stagparser"

	"github.com/soniakeys/meeus/v3/julian"
)

// FileType identifies which of the four (plus CAF) coordinated files a
// header belongs to; it is written verbatim into the [FILETYPE] tag so
// a reader can refuse to open the wrong file as the wrong type.
type FileType string

const (
	FileTypeWaveform   FileType = "CZMIL-W"
	FileTypePoint      FileType = "CZMIL-P"
	FileTypeTrajectory FileType = "CZMIL-T"
	FileTypeIndex      FileType = "CZMIL-I"
	FileTypeCAF        FileType = "CZMIL-CAF"
)

const (
	headerVersion  = "1.0"
	headerSentinel = "[EOH]"
	refTimeLayout  = "2006/002 15:04:05" // yyyy/ddd hh:mm:ss, matches go-gsf's PROCESSING_PARAMETERS reference time
)

// FormatInfo is the format-information block: the codecs in
// wfile.go/pfile.go/tfile.go/caf.go consult it directly for every
// scale and for the return/packet-count and time-offset field widths,
// and it is preserved unchanged across header modifications (spec
// §4.8) so that width parameters may evolve release to release
// without breaking older readers.
//
// Fields carry a "codec(...)" struct tag parsed once via stagparser,
// mirroring the struct-tag driven schema derivation the teacher uses
// for TileDB attributes; here the tag's width attribute is the bit
// width the record layout actually reserves for that quantity or (for
// TimeBitWidth, which names its own width) the default value itself,
// read back through codecFieldWidth rather than hand-duplicated in
// DefaultFormatInfo.
type FormatInfo struct {
	LatDiffScale      float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	LonDiffScale      float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	LatLonAbsScale    float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	ElevScale         float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	UncertScale       float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	ReflectanceScale  float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	InterestPtScale   float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	KdScale           float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	LaserEnergyScale  float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	ProbabilityScale  float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	RangeScale        float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	IntensityScale    float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	AngleScale        float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	AltitudeScale     float64 `czmil:"codec(scale=1,offset=0,width=0)"`
	TimeBitWidth      uint    `czmil:"codec(scale=1,offset=0,width=32)"`
	MaxReturns        uint    `czmil:"codec(scale=1,offset=0,width=4)"`
	MaxPackets        uint    `czmil:"codec(scale=1,offset=0,width=6)"`
}

// codecFieldWidth is populated at init from each FormatInfo field's
// "codec(...)" tag, giving a name -> default bit width lookup without
// a hand-maintained parallel table.
var codecFieldWidth map[string]int

func init() {
	codecFieldWidth = make(map[string]int)
	defs, err := stgpsr.ParseStruct(&FormatInfo{}, "czmil")
	if err != nil {
		return
	}
	for field, list := range defs {
		for _, def := range list {
			if def.Name() != "codec" {
				continue
			}
			if w, ok := def.Attribute("width"); ok {
				if wi, err := strconv.Atoi(fmt.Sprint(w)); err == nil {
					codecFieldWidth[field] = wi
				}
			}
		}
	}
}

// DefaultFormatInfo returns the library's default scales, matching
// original_source/czmil_internals.h's CPF_*/CSF_*/CWF_* constants.
func DefaultFormatInfo() FormatInfo {
	return FormatInfo{
		LatDiffScale:     LatLonDiffScale,
		LonDiffScale:     LatLonDiffScale,
		LatLonAbsScale:   LatLonAbsoluteScale,
		ElevScale:        ElevationScale,
		UncertScale:      UncertaintyScale,
		ReflectanceScale: ReflectanceScale,
		InterestPtScale:  InterestPointScale,
		KdScale:          KdScale,
		LaserEnergyScale: LaserEnergyScale,
		ProbabilityScale: ProbabilityScale,
		RangeScale:       RangeScale,
		IntensityScale:   IntensityScale,
		AngleScale:       AngleScale,
		AltitudeScale:    AltitudeScale,
		// TimeBitWidth's own codec tag names its width rather than some
		// other field's, so its default comes straight from the parsed
		// tag: 32 bits of microsecond offset is spec §1's ~71 minute
		// non-goal ceiling per flight file.
		TimeBitWidth: uint(codecFieldWidth["TimeBitWidth"]),
		MaxReturns:   8,
		MaxPackets:   MaxPacketsPerChannel,
	}
}

// BoundingBox is the spatial extent carried by P and T headers.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
	MinElev, MaxElev float64
}

// FileHeader is the in-memory form of a tagged ASCII header (spec
// §4.8 / §3 FileHeader). HeaderSize is fixed once at create time.
// AddField, UpdateField and DeleteField change only the in-memory
// header; a writable handle re-renders the text into the same
// fixed-size space on Close, without moving the record body.
type FileHeader struct {
	Version      string
	Type         FileType
	Created      time.Time
	Modified     time.Time
	RecordCount  uint64
	HeaderSize   int
	FileSize     int64
	Description  string // multi-line free text, spec §4.8 {TAG = ... } form
	Bounds       *BoundingBox
	BaseLat      float64
	BaseLon      float64
	Format       FormatInfo

	appKeys   []string
	appValues map[string]string
}

// NewFileHeader constructs a header with sane defaults for a newly
// created file of the given type.
func NewFileHeader(ft FileType, headerSize int) *FileHeader {
	now := nowFunc()
	return &FileHeader{
		Version:    headerVersion,
		Type:       ft,
		Created:    now,
		Modified:   now,
		HeaderSize: headerSize,
		Format:     DefaultFormatInfo(),
		appValues:  make(map[string]string),
	}
}

// nowFunc is indirected so tests can pin the clock; production code
// always uses time.Now.
var nowFunc = time.Now

// AddField adds an application-defined field. Duplicates are rejected
// per spec §4.8.
func (h *FileHeader) AddField(key, value string) error {
	if _, exists := h.appValues[key]; exists {
		return raise(newError(ErrDuplicateField, key))
	}
	if h.appValues == nil {
		h.appValues = make(map[string]string)
	}
	h.appKeys = append(h.appKeys, key)
	h.appValues[key] = normalizeMultiline(value)
	return nil
}

// GetField returns the value of an application-defined field.
func (h *FileHeader) GetField(key string) (string, error) {
	v, ok := h.appValues[key]
	if !ok {
		return "", raise(newError(ErrFieldNotFound, key))
	}
	return v, nil
}

// UpdateField changes the value of an existing application-defined
// field, or returns ErrFieldNotFound.
func (h *FileHeader) UpdateField(key, value string) error {
	if _, ok := h.appValues[key]; !ok {
		return raise(newError(ErrFieldNotFound, key))
	}
	h.appValues[key] = normalizeMultiline(value)
	return nil
}

// DeleteField removes an application-defined field.
func (h *FileHeader) DeleteField(key string) error {
	if _, ok := h.appValues[key]; !ok {
		return raise(newError(ErrFieldNotFound, key))
	}
	delete(h.appValues, key)
	for i, k := range h.appKeys {
		if k == key {
			h.appKeys = append(h.appKeys[:i], h.appKeys[i+1:]...)
			break
		}
	}
	return nil
}

// normalizeMultiline collapses CR/CRLF/CR-only line endings to LF,
// per spec §4.8.
func normalizeMultiline(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// touch updates the modification timestamp. The record-writing calls
// (W, P, T, index and CAF writes) invoke it; AddField, UpdateField and
// DeleteField do not, so editing header fields alone leaves Modified
// unchanged.
func (h *FileHeader) touch() { h.Modified = nowFunc() }

// Render serializes the header to its fixed-size, space-padded ASCII
// form. It fails with ErrHeaderOverflow if the rendered text (before
// padding) exceeds HeaderSize.
func (h *FileHeader) Render() ([]byte, error) {
	var b strings.Builder

	writeTag(&b, "VERSION", h.Version)
	writeTag(&b, "FILETYPE", string(h.Type))
	writeTag(&b, "CREATED", formatRefTime(h.Created))
	writeTag(&b, "MODIFIED", formatRefTime(h.Modified))
	writeTag(&b, "RECORDCOUNT", strconv.FormatUint(h.RecordCount, 10))
	writeTag(&b, "HEADERSIZE", strconv.Itoa(h.HeaderSize))
	writeTag(&b, "FILESIZE", strconv.FormatInt(h.FileSize, 10))
	if h.Description != "" {
		writeBlock(&b, "DESCRIPTION", h.Description)
	}

	if h.Bounds != nil {
		writeTag(&b, "MINLAT", formatFloat(h.Bounds.MinLat))
		writeTag(&b, "MAXLAT", formatFloat(h.Bounds.MaxLat))
		writeTag(&b, "MINLON", formatFloat(h.Bounds.MinLon))
		writeTag(&b, "MAXLON", formatFloat(h.Bounds.MaxLon))
		writeTag(&b, "MINELEV", formatFloat(h.Bounds.MinElev))
		writeTag(&b, "MAXELEV", formatFloat(h.Bounds.MaxElev))
		writeTag(&b, "BASELAT", formatFloat(h.BaseLat))
		writeTag(&b, "BASELON", formatFloat(h.BaseLon))
	}

	writeFormatInfo(&b, &h.Format)

	for _, k := range h.appKeys {
		v := h.appValues[k]
		if strings.Contains(v, "\n") {
			writeBlock(&b, k, v)
		} else {
			writeTag(&b, k, v)
		}
	}

	b.WriteString(headerSentinel)
	b.WriteByte('\n')

	text := b.String()
	if len(text) > h.HeaderSize {
		return nil, raise(newError(ErrHeaderOverflow, fmt.Sprintf("%d bytes > fixed size %d", len(text), h.HeaderSize)))
	}

	out := make([]byte, h.HeaderSize)
	copy(out, text)
	for i := len(text); i < len(out); i++ {
		out[i] = ' '
	}
	return out, nil
}

func writeTag(b *strings.Builder, tag, value string) {
	fmt.Fprintf(b, "[%s] = %s\n", tag, value)
}

func writeBlock(b *strings.Builder, tag, value string) {
	fmt.Fprintf(b, "{%s =\n%s\n}\n", tag, value)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func formatRefTime(t time.Time) string {
	return t.UTC().Format(refTimeLayout)
}

// parseRefTime is the inverse of formatRefTime, grounded on the
// teacher's decode/params.go reference-time parser, using
// soniakeys/meeus for the day-of-year -> calendar-date conversion.
func parseRefTime(s string) (time.Time, error) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return time.Time{}, raise(newError(ErrHeaderParse, "malformed reference time: "+s))
	}
	dateParts := strings.SplitN(parts[0], "/", 2)
	if len(dateParts) != 2 {
		return time.Time{}, raise(newError(ErrHeaderParse, "malformed reference date: "+parts[0]))
	}
	year, err := strconv.Atoi(dateParts[0])
	if err != nil {
		return time.Time{}, raise(wrapError(ErrHeaderParse, "reference year", err))
	}
	doy, err := strconv.Atoi(dateParts[1])
	if err != nil {
		return time.Time{}, raise(wrapError(ErrHeaderParse, "reference day-of-year", err))
	}
	month, day := julian.DayOfYearToCalendar(doy, julian.LeapYearGregorian(year))

	hms := strings.Split(parts[1], ":")
	if len(hms) != 3 {
		return time.Time{}, raise(newError(ErrHeaderParse, "malformed reference clock: "+parts[1]))
	}
	h, _ := strconv.Atoi(hms[0])
	m, _ := strconv.Atoi(hms[1])
	sec, _ := strconv.Atoi(hms[2])

	return time.Date(year, time.Month(month), day, h, m, sec, 0, time.UTC), nil
}

func writeFormatInfo(b *strings.Builder, f *FormatInfo) {
	fields := map[string]float64{
		"LATDIFFSCALE":     f.LatDiffScale,
		"LONDIFFSCALE":     f.LonDiffScale,
		"LATLONABSSCALE":   f.LatLonAbsScale,
		"ELEVSCALE":        f.ElevScale,
		"UNCERTSCALE":      f.UncertScale,
		"REFLECTANCESCALE": f.ReflectanceScale,
		"INTERESTPTSCALE":  f.InterestPtScale,
		"KDSCALE":          f.KdScale,
		"LASERENERGYSCALE": f.LaserEnergyScale,
		"PROBABILITYSCALE": f.ProbabilityScale,
		"RANGESCALE":       f.RangeScale,
		"INTENSITYSCALE":   f.IntensityScale,
		"ANGLESCALE":       f.AngleScale,
		"ALTITUDESCALE":    f.AltitudeScale,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeTag(b, k, formatFloat(fields[k]))
	}
	writeTag(b, "TIMEBITWIDTH", strconv.Itoa(int(f.TimeBitWidth)))
	writeTag(b, "MAXRETURNS", strconv.Itoa(int(f.MaxReturns)))
	writeTag(b, "MAXPACKETS", strconv.Itoa(int(f.MaxPackets)))
}

var formatInfoTags = map[string]bool{
	"LATDIFFSCALE": true, "LONDIFFSCALE": true, "LATLONABSSCALE": true, "ELEVSCALE": true, "UNCERTSCALE": true,
	"REFLECTANCESCALE": true, "INTERESTPTSCALE": true, "KDSCALE": true, "LASERENERGYSCALE": true,
	"PROBABILITYSCALE": true, "RANGESCALE": true, "INTENSITYSCALE": true, "ANGLESCALE": true,
	"ALTITUDESCALE": true, "TIMEBITWIDTH": true, "MAXRETURNS": true, "MAXPACKETS": true,
}

var metadataTags = map[string]bool{
	"VERSION": true, "FILETYPE": true, "CREATED": true, "MODIFIED": true, "RECORDCOUNT": true,
	"HEADERSIZE": true, "FILESIZE": true, "DESCRIPTION": true,
	"MINLAT": true, "MAXLAT": true, "MINLON": true, "MAXLON": true, "MINELEV": true, "MAXELEV": true,
	"BASELAT": true, "BASELON": true,
}

// ParseHeader reads a tagged ASCII header from r. Any tag not
// recognized as a metadata or format-info tag is treated as
// application-defined, per spec §4.8.
func ParseHeader(r io.Reader, headerSize int) (*FileHeader, error) {
	h := &FileHeader{appValues: make(map[string]string)}
	h.Bounds = nil

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	bounds := &BoundingBox{}
	haveBounds := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			continue
		}
		if trimmed == headerSentinel {
			break
		}

		if strings.HasPrefix(trimmed, "[") {
			tag, value, err := parseTagLine(trimmed)
			if err != nil {
				return nil, err
			}
			if err := applyTag(h, bounds, &haveBounds, tag, value); err != nil {
				return nil, err
			}
			continue
		}

		if strings.HasPrefix(trimmed, "{") {
			tag, value, err := readBlock(scanner, trimmed)
			if err != nil {
				return nil, err
			}
			if err := applyBlockTag(h, tag, value); err != nil {
				return nil, err
			}
			continue
		}

		return nil, raise(newError(ErrHeaderParse, "unrecognized header line: "+line))
	}

	if err := scanner.Err(); err != nil {
		return nil, raise(wrapError(ErrFileSystem, "reading header", err))
	}

	if haveBounds {
		h.Bounds = bounds
	}
	h.HeaderSize = headerSize
	return h, nil
}

func parseTagLine(line string) (tag, value string, err error) {
	end := strings.Index(line, "]")
	if !strings.HasPrefix(line, "[") || end < 0 {
		return "", "", raise(newError(ErrHeaderParse, "malformed tag line: "+line))
	}
	tag = line[1:end]
	rest := strings.TrimSpace(line[end+1:])
	rest = strings.TrimPrefix(rest, "=")
	value = strings.TrimSpace(rest)
	return tag, value, nil
}

func readBlock(scanner *bufio.Scanner, openLine string) (tag, value string, err error) {
	end := strings.Index(openLine, "=")
	if !strings.HasPrefix(openLine, "{") || end < 0 {
		return "", "", raise(newError(ErrHeaderParse, "malformed block open line: "+openLine))
	}
	tag = strings.TrimSpace(openLine[1:end])

	var lines []string
	for scanner.Scan() {
		l := scanner.Text()
		if strings.TrimRight(l, " \t") == "}" {
			return tag, normalizeMultiline(strings.Join(lines, "\n")), nil
		}
		lines = append(lines, l)
	}
	return "", "", raise(newError(ErrHeaderParse, "unterminated block: "+tag))
}

func applyTag(h *FileHeader, bounds *BoundingBox, haveBounds *bool, tag, value string) error {
	switch {
	case tag == "VERSION":
		h.Version = value
	case tag == "FILETYPE":
		h.Type = FileType(value)
	case tag == "CREATED":
		t, err := parseRefTime(value)
		if err != nil {
			return err
		}
		h.Created = t
	case tag == "MODIFIED":
		t, err := parseRefTime(value)
		if err != nil {
			return err
		}
		h.Modified = t
	case tag == "RECORDCOUNT":
		n, _ := strconv.ParseUint(value, 10, 64)
		h.RecordCount = n
	case tag == "HEADERSIZE":
		n, _ := strconv.Atoi(value)
		h.HeaderSize = n
	case tag == "FILESIZE":
		n, _ := strconv.ParseInt(value, 10, 64)
		h.FileSize = n
	case tag == "MINLAT":
		bounds.MinLat, _ = strconv.ParseFloat(value, 64)
		*haveBounds = true
	case tag == "MAXLAT":
		bounds.MaxLat, _ = strconv.ParseFloat(value, 64)
	case tag == "MINLON":
		bounds.MinLon, _ = strconv.ParseFloat(value, 64)
	case tag == "MAXLON":
		bounds.MaxLon, _ = strconv.ParseFloat(value, 64)
	case tag == "MINELEV":
		bounds.MinElev, _ = strconv.ParseFloat(value, 64)
	case tag == "MAXELEV":
		bounds.MaxElev, _ = strconv.ParseFloat(value, 64)
	case tag == "BASELAT":
		h.BaseLat, _ = strconv.ParseFloat(value, 64)
	case tag == "BASELON":
		h.BaseLon, _ = strconv.ParseFloat(value, 64)
	case formatInfoTags[tag]:
		applyFormatInfoTag(h, tag, value)
	default:
		if err := h.AddField(tag, value); err != nil {
			return err
		}
	}
	return nil
}

func applyFormatInfoTag(h *FileHeader, tag, value string) {
	f := reflect.ValueOf(&h.Format).Elem()
	fieldByTag := map[string]string{
		"LATDIFFSCALE": "LatDiffScale", "LONDIFFSCALE": "LonDiffScale", "LATLONABSSCALE": "LatLonAbsScale", "ELEVSCALE": "ElevScale",
		"UNCERTSCALE": "UncertScale", "REFLECTANCESCALE": "ReflectanceScale", "INTERESTPTSCALE": "InterestPtScale",
		"KDSCALE": "KdScale", "LASERENERGYSCALE": "LaserEnergyScale", "PROBABILITYSCALE": "ProbabilityScale",
		"RANGESCALE": "RangeScale", "INTENSITYSCALE": "IntensityScale", "ANGLESCALE": "AngleScale",
		"ALTITUDESCALE": "AltitudeScale",
	}
	if name, ok := fieldByTag[tag]; ok {
		v, _ := strconv.ParseFloat(value, 64)
		f.FieldByName(name).SetFloat(v)
		return
	}
	switch tag {
	case "TIMEBITWIDTH":
		n, _ := strconv.Atoi(value)
		h.Format.TimeBitWidth = uint(n)
	case "MAXRETURNS":
		n, _ := strconv.Atoi(value)
		h.Format.MaxReturns = uint(n)
	case "MAXPACKETS":
		n, _ := strconv.Atoi(value)
		h.Format.MaxPackets = uint(n)
	}
}

func applyBlockTag(h *FileHeader, tag, value string) error {
	if tag == "DESCRIPTION" {
		h.Description = value
		return nil
	}
	if metadataTags[tag] {
		return nil
	}
	return h.AddField(tag, value)
}
