package store

import "time"

// DownloadStatus is the lifecycle state of a Download record (spec §3).
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusConnecting  DownloadStatus = "connecting"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
)

// LocalFile is a shared-content record (spec §3 Local index entry).
type LocalFile struct {
	ID           int64
	Path         string
	Filename     string
	ContentHash  string // hex SHA-256
	InfoHash     string // hex SHA-1, empty until computed
	Size         int64
	MIME         string
	ModifiedAt   time.Time
	PieceLength  int64
	PieceHashes  []byte // concatenated SHA-1 piece digests
	Shared       bool
}

// Download is an in-flight or completed transfer (spec §3 Download record).
type Download struct {
	ID              string
	Filename        string
	ContentHash     string
	PeerDestination string
	PeerName        string
	TotalSize       int64
	DownloadedSize  int64
	Status          DownloadStatus
	SavePath        string
	ChunkMap        []byte // optional serialized resume bitmap
	RetryCount      int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Peer is a known swarm participant (spec §3 Peer record).
type Peer struct {
	Destination        string
	ShortAddress        string
	DisplayName          string
	FilesCount           int
	TotalSize            int64
	FirstSeen            time.Time
	LastSeen             time.Time
}

// OnlineWindow is the presence window from spec §5 (peer online window).
const OnlineWindow = 120 * time.Second

// PeerCounts summarizes peer online/offline totals (spec §4.A GetCounts).
type PeerCounts struct {
	Online  int
	Offline int
	Total   int
}

// DHTCacheEntry is a stored DHT value (spec §3 DHT value cache).
type DHTCacheEntry struct {
	Key         string
	Value       []byte
	ExpiresAt   time.Time
	LastUpdated time.Time
}

// DefaultDHTValueTTL is the default cache TTL (spec §3).
const DefaultDHTValueTTL = 3600 * time.Second

// RoutingEntry is a persisted Kademlia routing-table row (spec §3 Routing table).
type RoutingEntry struct {
	NodeID      string
	Destination string
	BucketIndex int
	LastSeen    time.Time
	FailCount   int
}

// MaxFailCount is the eviction threshold for both routing entries and the
// in-memory bucket view (spec §3 invariant iii, §4.A cleanup).
const MaxFailCount = 5
