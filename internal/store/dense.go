package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/google/renameio"
)

// denseMagic identifies a dense index file.
var denseMagic = [8]byte{'R', 'A', 'G', 'I', 'D', 'X', '0', '1'}

// ErrCorruptIndex is returned when an index file fails its sha256 check.
type ErrCorruptIndex struct {
	Path string
}

func (e ErrCorruptIndex) Error() string {
	return fmt.Sprintf("dense index corrupted: %s", e.Path)
}

// DenseIndex is a flat inner-product index over L2-normalized vectors.
// Rows are addressed by position (faiss_id); scores equal cosine similarity.
// The index is immutable once written to disk; mutation happens on an
// in-memory copy that is swapped in atomically.
type DenseIndex struct {
	dim     int
	vectors []float32 // row-major, len = ntotal*dim
}

// NewDenseIndex creates an empty index with the given dimension.
func NewDenseIndex(dim int) *DenseIndex {
	return &DenseIndex{dim: dim}
}

// Dimension returns the vector dimension.
func (d *DenseIndex) Dimension() int { return d.dim }

// NTotal returns the number of rows.
func (d *DenseIndex) NTotal() int {
	if d.dim == 0 {
		return 0
	}
	return len(d.vectors) / d.dim
}

// Append adds vectors and returns the faiss_id of the first appended row.
// Rows are assigned sequential ids starting at the prior NTotal.
func (d *DenseIndex) Append(vectors [][]float32) (int64, error) {
	start := int64(d.NTotal())
	for _, v := range vectors {
		if len(v) != d.dim {
			return 0, ErrDimensionMismatch{Expected: d.dim, Got: len(v)}
		}
		d.vectors = append(d.vectors, normalizeVector(v)...)
	}
	return start, nil
}

// Row returns a copy of the vector stored at faiss_id.
func (d *DenseIndex) Row(id int64) ([]float32, error) {
	if id < 0 || int(id) >= d.NTotal() {
		return nil, fmt.Errorf("row %d out of range (ntotal=%d)", id, d.NTotal())
	}
	row := make([]float32, d.dim)
	copy(row, d.vectors[int(id)*d.dim:(int(id)+1)*d.dim])
	return row, nil
}

// Search returns the k rows with the highest inner product against query.
// Results are deterministic: ties are broken by ascending faiss_id.
func (d *DenseIndex) Search(query []float32, k int) ([]DenseResult, error) {
	if len(query) != d.dim {
		return nil, ErrDimensionMismatch{Expected: d.dim, Got: len(query)}
	}
	n := d.NTotal()
	if n == 0 || k <= 0 {
		return []DenseResult{}, nil
	}

	q := normalizeVector(query)
	results := make([]DenseResult, n)
	for i := 0; i < n; i++ {
		var dot float32
		row := d.vectors[i*d.dim : (i+1)*d.dim]
		for j, qv := range q {
			dot += qv * row[j]
		}
		results[i] = DenseResult{FaissID: int64(i), Score: dot}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FaissID < results[j].FaissID
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// denseSidecar is the JSON payload of the .meta file next to an index.
type denseSidecar struct {
	Dimension int    `json:"dimension"`
	NTotal    int    `json:"ntotal"`
	SHA256    string `json:"sha256"`
}

// encode serializes the index to its on-disk format.
func (d *DenseIndex) encode() []byte {
	buf := &bytes.Buffer{}
	buf.Write(denseMagic[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(d.dim))
	_ = binary.Write(buf, binary.LittleEndian, uint64(d.NTotal()))
	for _, v := range d.vectors {
		_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(v))
	}
	return buf.Bytes()
}

// WriteAtomic persists the index at path with a crash-safe swap:
// temp file, fsync, rename, then the sidecar the same way. A reader sees
// either the fully written prior version or the fully written new one.
func (d *DenseIndex) WriteAtomic(path string) error {
	data := d.encode()
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}

	sum := sha256.Sum256(data)
	side := denseSidecar{
		Dimension: d.dim,
		NTotal:    d.NTotal(),
		SHA256:    hex.EncodeToString(sum[:]),
	}
	meta, err := json.Marshal(side)
	if err != nil {
		return fmt.Errorf("marshal index sidecar: %w", err)
	}
	if err := renameio.WriteFile(path+".meta", meta, 0o644); err != nil {
		return fmt.Errorf("write index sidecar: %w", err)
	}
	return nil
}

// LoadDenseIndex reads an index file and verifies it against its sidecar.
// A sha256 mismatch returns ErrCorruptIndex; the caller marks the partition
// dirty and enqueues a rebuild.
func LoadDenseIndex(path string) (*DenseIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if metaRaw, err := os.ReadFile(path + ".meta"); err == nil {
		var side denseSidecar
		if err := json.Unmarshal(metaRaw, &side); err != nil {
			return nil, ErrCorruptIndex{Path: path}
		}
		sum := sha256.Sum256(data)
		if side.SHA256 != hex.EncodeToString(sum[:]) {
			return nil, ErrCorruptIndex{Path: path}
		}
	}

	return decodeDenseIndex(path, data)
}

func decodeDenseIndex(path string, data []byte) (*DenseIndex, error) {
	r := bytes.NewReader(data)

	var magic [8]byte
	if _, err := r.Read(magic[:]); err != nil || magic != denseMagic {
		return nil, ErrCorruptIndex{Path: path}
	}

	var dim uint32
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, ErrCorruptIndex{Path: path}
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, ErrCorruptIndex{Path: path}
	}

	want := int(dim) * int(count)
	if r.Len() != want*4 {
		return nil, ErrCorruptIndex{Path: path}
	}

	vectors := make([]float32, want)
	for i := range vectors {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return nil, ErrCorruptIndex{Path: path}
		}
		vectors[i] = math.Float32frombits(bits)
	}

	return &DenseIndex{dim: int(dim), vectors: vectors}, nil
}

// ReadSidecar reads the sidecar metadata for an index file without loading
// the vectors. Used for startup reconciliation.
func ReadSidecar(path string) (dimension, ntotal int, sha string, err error) {
	raw, err := os.ReadFile(path + ".meta")
	if err != nil {
		return 0, 0, "", err
	}
	var side denseSidecar
	if err := json.Unmarshal(raw, &side); err != nil {
		return 0, 0, "", err
	}
	return side.Dimension, side.NTotal, side.SHA256, nil
}

// normalizeVector returns a unit-length copy of v.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	out := make([]float32, len(v))
	copy(out, v)
	if sumSquares == 0 {
		return out
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range out {
		out[i] *= inv
	}
	return out
}
