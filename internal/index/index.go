// Package index implements the core-facing boundary described in the
// content indexer interface: a stable content_hash -> {path, filename,
// size, mime, piece_length, piece_hashes, info_hash} mapping plus filename
// substring search. Walking the filesystem and MIME detection are left to
// whatever process populates local_files; this package only reads that
// mapping back out and seeds info_hash values, mirroring the single-file
// piece-hashing technique of the teacher's torrent generator.
package index

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/i2pshare/node/internal/dht"
	"github.com/i2pshare/node/internal/store"
)

// pieceLength16MB is used for every file; the corpus under spec is a
// single-file content-addressed transfer, not a multi-file DCP, so there
// is no size-tiered piece selection to replicate.
const pieceLength16MB = 16 * 1024 * 1024

// Indexer answers core-facing queries over the local_files table and
// seeds info_hash values for records the transfer engine can now serve.
type Indexer struct {
	store    *store.Store
	selfName string
}

// New wires the indexer to its backing store and this node's display name
// (used to populate SearchResult.PeerName for our own shared files).
func New(s *store.Store, selfName string) *Indexer {
	return &Indexer{store: s, selfName: selfName}
}

// SearchLocal implements dht.ContentSearcher: a case-insensitive filename
// substring match over shared local files.
func (ix *Indexer) SearchLocal(query string) []dht.SearchResult {
	files, err := ix.store.Search(query)
	if err != nil {
		return nil
	}
	out := make([]dht.SearchResult, 0, len(files))
	for _, f := range files {
		if !f.Shared {
			continue
		}
		out = append(out, dht.SearchResult{
			ContentHash: f.ContentHash,
			Filename:    f.Filename,
			Size:        f.Size,
			PeerName:    ix.selfName,
		})
	}
	return out
}

// SeedInfoHash piece-hashes every shared local file that has no info_hash
// yet and writes the result back (spec §4.F: "The core writes back
// info_hash once a piece-hashed record is seeded").
func (ix *Indexer) SeedInfoHash() error {
	pending, err := ix.store.GetWithoutInfoHash()
	if err != nil {
		return fmt.Errorf("list files without info_hash: %w", err)
	}
	for _, f := range pending {
		infoHash, pieceHashes, err := hashFile(f.Path, pieceLength16MB)
		if err != nil {
			continue // file may have moved/been deleted since scan; skip, retried next pass
		}
		if err := ix.store.SetInfoHash(f.ContentHash, infoHash); err != nil {
			return fmt.Errorf("persist info_hash for %s: %w", f.ContentHash, err)
		}
		_ = pieceHashes // piece_hashes column is written by the scanner alongside content_hash; this pass only fills info_hash
	}
	return nil
}

// hashFile computes the BitTorrent-style info_hash of a single file:
// bencode the canonical {name, length, piece length, pieces} info dict and SHA-1
// it, exactly as metainfo.MetaInfo.HashInfoBytes does for a torrent.
func hashFile(path string, pieceLength int64) (string, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	info := metainfo.Info{
		Name:        filepath.Base(path),
		PieceLength: pieceLength,
	}

	buf := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			info.Length += int64(n)
			sum := sha1.Sum(buf[:n])
			info.Pieces = append(info.Pieces, sum[:]...)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", nil, err
		}
	}

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return "", nil, err
	}
	sum := sha1.Sum(infoBytes)
	return fmt.Sprintf("%x", sum[:]), info.Pieces, nil
}
