package observerproto

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/mesh"
)

const (
	EncodingF32LE     = "F32LE_B64"
	EncodingZstdF32LE = "ZSTD_F32LE_B64"
)

// Encodings lists what the server can send, preferred first.
var Encodings = []string{EncodingZstdF32LE, EncodingF32LE}

var ErrUnknownEncoding = errors.New("unknown mesh encoding")

// A nil writer/reader is the stateless EncodeAll/DecodeAll mode; both are
// safe for concurrent use.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil)
)

// NormalizeEncoding upper-cases enc and maps "" to the default.
func NormalizeEncoding(enc string) (string, error) {
	enc = strings.ToUpper(strings.TrimSpace(enc))
	if enc == "" {
		return EncodingZstdF32LE, nil
	}
	for _, e := range Encodings {
		if e == enc {
			return enc, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
}

// NewChunkMesh builds the CHUNK_MESH message for m.
func NewChunkMesh(key grid.Key, c grid.Coord, placement mgl32.Vec3, m *mesh.ChunkMesh, enc string) (ChunkMeshMsg, error) {
	msg := ChunkMeshMsg{
		Type:            TypeChunkMesh,
		ProtocolVersion: Version,
		Key:             string(key),
		Coord:           [3]int{c.X, c.Y, c.Z},
		Placement:       placement,
		Vertices:        m.Vertices(),
		Triangles:       m.Triangles(),
		Encoding:        enc,
	}
	var err error
	if m == nil {
		m = &mesh.ChunkMesh{}
	}
	if msg.Positions, err = encode(vecBytes(m.Positions), enc); err != nil {
		return ChunkMeshMsg{}, err
	}
	if msg.Normals, err = encode(vecBytes(m.Normals), enc); err != nil {
		return ChunkMeshMsg{}, err
	}
	if msg.Indices, err = encode(indexBytes(m.Indices), enc); err != nil {
		return ChunkMeshMsg{}, err
	}
	return msg, nil
}

// DecodeMesh reverses NewChunkMesh.
func DecodeMesh(msg ChunkMeshMsg) (*mesh.ChunkMesh, error) {
	pos, err := decode(msg.Positions, msg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	nrm, err := decode(msg.Normals, msg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("normals: %w", err)
	}
	idx, err := decode(msg.Indices, msg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("indices: %w", err)
	}
	if len(pos)%12 != 0 || len(nrm)%12 != 0 || len(idx)%4 != 0 {
		return nil, fmt.Errorf("%s: truncated payload", msg.Key)
	}
	m := &mesh.ChunkMesh{
		Positions: bytesVec(pos),
		Normals:   bytesVec(nrm),
		Indices:   make([]uint32, len(idx)/4),
	}
	for i := range m.Indices {
		m.Indices[i] = binary.LittleEndian.Uint32(idx[i*4:])
	}
	if m.Vertices() != msg.Vertices || m.Triangles() != msg.Triangles {
		return nil, fmt.Errorf("%s: header says %d/%d, payload has %d/%d",
			msg.Key, msg.Vertices, msg.Triangles, m.Vertices(), m.Triangles())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func encode(raw []byte, enc string) (string, error) {
	switch enc {
	case EncodingF32LE:
	case EncodingZstdF32LE:
		raw = zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode(s, enc string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncodingF32LE:
		return raw, nil
	case EncodingZstdF32LE:
		return zdec.DecodeAll(raw, nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
}

func vecBytes(vs []mgl32.Vec3) []byte {
	b := make([]byte, 0, len(vs)*12)
	for _, v := range vs {
		for _, f := range v {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
		}
	}
	return b
}

func bytesVec(b []byte) []mgl32.Vec3 {
	out := make([]mgl32.Vec3, len(b)/12)
	for i := range out {
		for j := 0; j < 3; j++ {
			out[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*12+j*4:]))
		}
	}
	return out
}

func indexBytes(idx []uint32) []byte {
	b := make([]byte, 0, len(idx)*4)
	for _, v := range idx {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

// NewChunkEvict builds the CHUNK_EVICT message for key.
func NewChunkEvict(key grid.Key, c grid.Coord) ChunkEvictMsg {
	return ChunkEvictMsg{
		Type:            TypeChunkEvict,
		ProtocolVersion: Version,
		Key:             string(key),
		Coord:           [3]int{c.X, c.Y, c.Z},
	}
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
