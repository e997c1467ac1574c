// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package manifest defines the persisted description of one table version.
//
// A manifest lists the schema (with stable field IDs), the fragments and
// their data and deletion files, and the index catalog. Manifests are stored
// as zstd-compressed JSON under _versions/, one file per version, and are
// never modified after they are written.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion is bumped on incompatible changes to the encoding
const FormatVersion = 1

const (
	VersionsDir  = "_versions"
	DataDir      = "data"
	DeletionsDir = "_deletions"
	IndicesDir   = "_indices"

	manifestExt = ".manifest"
)

// Field is a schema column with a stable identifier
type Field struct {
	ID       int32  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// DataFile holds the values of some fields for every row of a fragment
type DataFile struct {
	Path     string  `json:"path"`
	FieldIDs []int32 `json:"field_ids"`
	Size     int64   `json:"size"`
}

// DeletionFile is a serialized bitmap of deleted row offsets
type DeletionFile struct {
	Path       string `json:"path"`
	NumDeleted int64  `json:"num_deleted"`
	Size       int64  `json:"size"`
}

// Fragment is a disjoint group of rows
type Fragment struct {
	ID           uint32        `json:"id"`
	Files        []DataFile    `json:"files"`
	PhysicalRows int64         `json:"physical_rows"`
	Deletion     *DeletionFile `json:"deletion,omitempty"`
}

// LiveRows returns the rows not marked deleted
func (f *Fragment) LiveRows() int64 {
	if f.Deletion == nil {
		return f.PhysicalRows
	}
	return f.PhysicalRows - f.Deletion.NumDeleted
}

// IndexParams are the build parameters of an index. Zero values mean the
// builder picked its default.
type IndexParams struct {
	DistanceType   string `json:"distance_type,omitempty"`
	NumPartitions  int    `json:"num_partitions,omitempty"`
	NumSubVectors  int    `json:"num_sub_vectors,omitempty"`
	NumBits        int    `json:"num_bits,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	Analyzer       string `json:"analyzer,omitempty"`
}

// IndexMetadata is one entry of the index catalog
type IndexMetadata struct {
	UUID     string      `json:"uuid"`
	Name     string      `json:"name"`
	FieldIDs []int32     `json:"field_ids"`
	Kind     string      `json:"kind"`
	Params   IndexParams `json:"params"`
	// DatasetVersion is the version the index was built from
	DatasetVersion uint64 `json:"dataset_version"`
	// FragmentIDs are the fragments whose rows the index covers
	FragmentIDs    []uint32 `json:"fragment_ids"`
	NumIndexedRows int64    `json:"num_indexed_rows"`
	Size           int64    `json:"size"`
}

// Covers reports whether the index holds rows of fragment id
func (im *IndexMetadata) Covers(id uint32) bool {
	for _, f := range im.FragmentIDs {
		if f == id {
			return true
		}
	}
	return false
}

// Path returns the storage path of the serialized index
func (im *IndexMetadata) Path() string {
	return IndexPath(im.UUID)
}

// Transaction records what produced a version
type Transaction struct {
	UUID        string `json:"uuid"`
	Operation   string `json:"operation"`
	ReadVersion uint64 `json:"read_version"`
}

// Manifest describes one immutable table version
type Manifest struct {
	FormatVersion  int               `json:"format_version"`
	Version        uint64            `json:"version"`
	Timestamp      time.Time         `json:"timestamp"`
	Fields         []Field           `json:"fields"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MaxFieldID     int32             `json:"max_field_id"`
	NextFragmentID uint32            `json:"next_fragment_id"`
	Fragments      []Fragment        `json:"fragments"`
	Indices        []IndexMetadata   `json:"indices,omitempty"`
	Transaction    Transaction       `json:"transaction"`
}

// New returns the manifest of an empty table with the given schema
func New(schema *arrow.Schema) (*Manifest, error) {
	m := &Manifest{FormatVersion: FormatVersion, Timestamp: time.Now().UTC()}
	for _, f := range schema.Fields() {
		if _, err := m.AddField(f); err != nil {
			return nil, err
		}
	}
	if md := schema.Metadata(); md.Len() > 0 {
		m.Metadata = make(map[string]string, md.Len())
		for i, k := range md.Keys() {
			m.Metadata[k] = md.Values()[i]
		}
	}
	return m, nil
}

// AddField appends f to the schema under a fresh field ID
func (m *Manifest) AddField(f arrow.Field) (Field, error) {
	if m.FieldByName(f.Name) != nil {
		return Field{}, fmt.Errorf("field %q already exists", f.Name)
	}
	typ, err := TypeString(f.Type)
	if err != nil {
		return Field{}, fmt.Errorf("field %q: %w", f.Name, err)
	}
	m.MaxFieldID++
	field := Field{ID: m.MaxFieldID, Name: f.Name, Type: typ, Nullable: f.Nullable}
	m.Fields = append(m.Fields, field)
	return field, nil
}

// FieldByName returns the field called name, or nil
func (m *Manifest) FieldByName(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

// FieldByID returns the field with the given ID, or nil
func (m *Manifest) FieldByID(id int32) *Field {
	for i := range m.Fields {
		if m.Fields[i].ID == id {
			return &m.Fields[i]
		}
	}
	return nil
}

// ArrowField converts a manifest field back to Arrow
func (f Field) ArrowField() (arrow.Field, error) {
	dt, err := ParseType(f.Type)
	if err != nil {
		return arrow.Field{}, fmt.Errorf("field %q: %w", f.Name, err)
	}
	return arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}, nil
}

// ArrowSchema returns the table schema
func (m *Manifest) ArrowSchema() (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(m.Fields))
	for i, f := range m.Fields {
		af, err := f.ArrowField()
		if err != nil {
			return nil, err
		}
		fields[i] = af
	}
	var md *arrow.Metadata
	if len(m.Metadata) > 0 {
		keys := make([]string, 0, len(m.Metadata))
		for k := range m.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make([]string, len(keys))
		for i, k := range keys {
			values[i] = m.Metadata[k]
		}
		meta := arrow.NewMetadata(keys, values)
		md = &meta
	}
	return arrow.NewSchema(fields, md), nil
}

// NumRows returns the live row count across fragments
func (m *Manifest) NumRows() int64 {
	var n int64
	for i := range m.Fragments {
		n += m.Fragments[i].LiveRows()
	}
	return n
}

// FragmentByID returns the fragment with the given ID, or nil
func (m *Manifest) FragmentByID(id uint32) *Fragment {
	for i := range m.Fragments {
		if m.Fragments[i].ID == id {
			return &m.Fragments[i]
		}
	}
	return nil
}

// IndexByName returns the named index, or nil
func (m *Manifest) IndexByName(name string) *IndexMetadata {
	for i := range m.Indices {
		if m.Indices[i].Name == name {
			return &m.Indices[i]
		}
	}
	return nil
}

// Clone returns a deep copy suitable for building the next version
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Fields = append([]Field(nil), m.Fields...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Fragments = make([]Fragment, len(m.Fragments))
	for i, f := range m.Fragments {
		f.Files = append([]DataFile(nil), f.Files...)
		for j := range f.Files {
			f.Files[j].FieldIDs = append([]int32(nil), f.Files[j].FieldIDs...)
		}
		if f.Deletion != nil {
			d := *f.Deletion
			f.Deletion = &d
		}
		out.Fragments[i] = f
	}
	out.Indices = make([]IndexMetadata, len(m.Indices))
	for i, idx := range m.Indices {
		idx.FieldIDs = append([]int32(nil), idx.FieldIDs...)
		idx.FragmentIDs = append([]uint32(nil), idx.FragmentIDs...)
		out.Indices[i] = idx
	}
	return &out
}

// ReferencedFiles returns every data, deletion and index path the
// manifest depends on
func (m *Manifest) ReferencedFiles() []string {
	var out []string
	for _, f := range m.Fragments {
		for _, df := range f.Files {
			out = append(out, df.Path)
		}
		if f.Deletion != nil {
			out = append(out, f.Deletion.Path)
		}
	}
	for _, idx := range m.Indices {
		out = append(out, idx.Path())
	}
	return out
}

var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func getEncoder() *zstd.Encoder {
	if v := encoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getDecoder() *zstd.Decoder {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Compress zstd-compresses data
func Compress(data []byte) []byte {
	enc := getEncoder()
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

// Decompress reverses Compress
func Decompress(data []byte) ([]byte, error) {
	dec := getDecoder()
	defer decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// Encode serializes m
func Encode(m *Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return Compress(data), nil
}

// Decode parses the output of Encode
func Decode(data []byte) (*Manifest, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if m.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("manifest format version %d is newer than supported version %d", m.FormatVersion, FormatVersion)
	}
	return &m, nil
}

// VersionPath returns the path of the manifest for version
func VersionPath(version uint64) string {
	return fmt.Sprintf("%s/%020d%s", VersionsDir, version, manifestExt)
}

// ParseVersionPath extracts the version number from a manifest path
func ParseVersionPath(path string) (uint64, bool) {
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	if !strings.HasSuffix(name, manifestExt) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(name, manifestExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// DataPath returns the path of a data file
func DataPath(id string) string {
	return DataDir + "/" + id + ".arrow"
}

// DeletionPath returns the path of a deletion file
func DeletionPath(fragmentID uint32, version uint64, id string) string {
	return fmt.Sprintf("%s/%d-%d-%s.bin", DeletionsDir, fragmentID, version, id)
}

// IndexPath returns the path of a serialized index
func IndexPath(uuid string) string {
	return IndicesDir + "/" + uuid + "/index.json.zst"
}
