package observerproto

// Version is the observer protocol version.
const Version = "1.0"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeMove       = "MOVE"
	TypeChunkMesh  = "CHUNK_MESH"
	TypeChunkEvict = "CHUNK_EVICT"
	TypeError      = "ERROR"
)

const (
	ErrBadRequest = "E_BAD_REQUEST"
	ErrProto      = "E_PROTO"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the mesh encoding.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// RenderRadius only narrows what this viewer is sent; it never widens
	// the session's planning window.
	RenderRadius int    `json:"render_radius,omitempty"`
	MeshEncoding string `json:"mesh_encoding"`
}

// Client -> Server. Moves the session observer.
type MoveMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float32 `json:"pos"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string          `json:"protocol_version"`
	RunID           string          `json:"run_id"`
	Params          SessionParams   `json:"params"`
	Observer        [3]float32      `json:"observer"`
	Resident        []ResidentChunk `json:"resident"`
}

type SessionParams struct {
	VoxelSize    float32  `json:"voxel_size"`
	Resolution   int      `json:"resolution"`
	Stride       float32  `json:"stride"`
	RenderRadius int      `json:"render_radius"`
	Seed         int64    `json:"seed"`
	Flat         bool     `json:"flat"`
	Metric       string   `json:"metric"`
	Backend      string   `json:"backend"`
	Encodings    []string `json:"encodings"`
}

type ResidentChunk struct {
	Key       string     `json:"key"`
	Coord     [3]int     `json:"coord"`
	Placement [3]float32 `json:"placement"`
	Triangles int        `json:"triangles"`
}

// Server -> Client. A chunk the host has materialized. Positions and normals
// are xyz float32 triples, indices are uint32 triangle corners; each is
// encoded per Encoding.
type ChunkMeshMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Key             string     `json:"key"`
	Coord           [3]int     `json:"coord"`
	Placement       [3]float32 `json:"placement"`
	Vertices        int        `json:"vertices"`
	Triangles       int        `json:"triangles"`
	Encoding        string     `json:"encoding"`
	Positions       string     `json:"positions"`
	Normals         string     `json:"normals"`
	Indices         string     `json:"indices"`
}

// Server -> Client. Drop a chunk from the client scene.
type ChunkEvictMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Key             string `json:"key"`
	Coord           [3]int `json:"coord"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// Envelope is decoded first to route an inbound message by type.
type Envelope struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}
