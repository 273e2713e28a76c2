package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultAssetChunkSize = 5 * 1024
	assetIdlePoll         = time.Second
)

// Asset frame types on the asset channel.
const (
	FrameStart uint8 = 1
	FrameChunk uint8 = 2
)

type AssetHeader struct {
	ID   string `msgpack:"id"`
	Name string `msgpack:"name"`
	Size int64  `msgpack:"size"`
}

type AssetChunk struct {
	ID     string `msgpack:"id"`
	Offset int64  `msgpack:"off"`
	Data   []byte `msgpack:"data"`
	Last   bool   `msgpack:"last"`
}

// AssetFrame is one msgpack-encoded binary message on the asset channel.
type AssetFrame struct {
	Type   uint8        `msgpack:"t"`
	Header *AssetHeader `msgpack:"h,omitempty"`
	Chunk  *AssetChunk  `msgpack:"c,omitempty"`
}

// AssetID is the content address of an asset.
func AssetID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AssetProducer yields the frames of one transfer: a start header, then
// chunks of at most maxSize bytes, then nil.
type AssetProducer interface {
	Next(maxSize int) (*AssetFrame, error)
}

type readerProducer struct {
	header  AssetHeader
	r       io.Reader
	offset  int64
	started bool
	done    bool
}

// NewAssetProducer streams size bytes from r as asset id.
func NewAssetProducer(id, name string, size int64, r io.Reader) AssetProducer {
	return &readerProducer{header: AssetHeader{ID: id, Name: name, Size: size}, r: r}
}

func (p *readerProducer) Next(maxSize int) (*AssetFrame, error) {
	if !p.started {
		p.started = true
		h := p.header
		return &AssetFrame{Type: FrameStart, Header: &h}, nil
	}
	if p.done || p.offset >= p.header.Size {
		return nil, nil
	}
	n := int64(maxSize)
	if rest := p.header.Size - p.offset; rest < n {
		n = rest
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		p.done = true
		return nil, fmt.Errorf("read asset %s at %d: %w", p.header.ID, p.offset, err)
	}
	c := &AssetChunk{ID: p.header.ID, Offset: p.offset, Data: buf}
	p.offset += n
	c.Last = p.offset >= p.header.Size
	return &AssetFrame{Type: FrameChunk, Chunk: c}, nil
}

// AssetTransferManager is one peer's queue of pending transfers.
type AssetTransferManager struct {
	mu    sync.Mutex
	peer  Peer
	queue []AssetProducer
}

func NewAssetTransferManager(peer Peer) *AssetTransferManager {
	return &AssetTransferManager{peer: peer}
}

func (m *AssetTransferManager) Add(p AssetProducer) {
	m.mu.Lock()
	m.queue = append(m.queue, p)
	m.mu.Unlock()
}

func (m *AssetTransferManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// pass pulls at most one frame from each producer while the peer's asset
// queue has room. A failing producer is dropped on its own.
func (m *AssetTransferManager) pass(chunkSize int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := 0
	for i := 0; i < len(m.queue); {
		if !m.peer.AssetCapacity() {
			break
		}
		frame, err := m.queue[i].Next(chunkSize)
		if err != nil {
			Log.WithError(err).WithField("conn", m.peer.ID()).Warn("asset transfer aborted")
			m.queue = slices.Delete(m.queue, i, i+1)
			continue
		}
		if frame == nil {
			m.queue = slices.Delete(m.queue, i, i+1)
			continue
		}
		data, err := msgpack.Marshal(frame)
		if err != nil {
			Log.WithError(err).Error("encode asset frame")
			m.queue = slices.Delete(m.queue, i, i+1)
			continue
		}
		if m.peer.SendAsset(data) {
			sent++
		}
		i++
	}
	return sent
}

// AssetPump is the single background sender for every peer's transfers.
// Peers are served in the order they were added, one frame per producer per
// pass, so a large transfer cannot starve another peer.
type AssetPump struct {
	mu        sync.Mutex
	managers  map[string]*AssetTransferManager
	order     []string
	wake      chan struct{}
	chunkSize int
}

func NewAssetPump(chunkSize int) *AssetPump {
	if chunkSize <= 0 {
		chunkSize = DefaultAssetChunkSize
	}
	return &AssetPump{
		managers:  make(map[string]*AssetTransferManager),
		wake:      make(chan struct{}, 1),
		chunkSize: chunkSize,
	}
}

func (p *AssetPump) AddPeer(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.managers[peer.ID()]; ok {
		return
	}
	p.managers[peer.ID()] = NewAssetTransferManager(peer)
	p.order = append(p.order, peer.ID())
}

// RemovePeer drops the peer's queue and everything pending in it.
func (p *AssetPump) RemovePeer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.managers[id]; !ok {
		return
	}
	delete(p.managers, id)
	p.order = slices.DeleteFunc(p.order, func(s string) bool { return s == id })
}

var errNoAssetPeer = errors.New("no asset queue for connection")

// AddProducer queues a transfer for a peer and wakes the pump.
func (p *AssetPump) AddProducer(peerID string, prod AssetProducer) error {
	p.mu.Lock()
	m, ok := p.managers[peerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errNoAssetPeer, peerID)
	}
	m.Add(prod)
	p.Wake()
	return nil
}

// Wake nudges the pump; extra wakes are coalesced.
func (p *AssetPump) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending reports queued transfers for a peer.
func (p *AssetPump) Pending(peerID string) int {
	p.mu.Lock()
	m, ok := p.managers[peerID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return m.Pending()
}

// Pass runs one round over every peer and returns the frames sent.
func (p *AssetPump) Pass() int {
	p.mu.Lock()
	managers := make([]*AssetTransferManager, 0, len(p.order))
	for _, id := range p.order {
		managers = append(managers, p.managers[id])
	}
	p.mu.Unlock()

	sent := 0
	for _, m := range managers {
		sent += m.pass(p.chunkSize)
	}
	return sent
}

// Run pumps until ctx is done. It sleeps only when a pass sent nothing,
// until a new transfer or a drained asset queue wakes it.
func (p *AssetPump) Run(ctx context.Context) error {
	timer := time.NewTimer(assetIdlePoll)
	defer timer.Stop()
	for {
		if p.Pass() > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(assetIdlePoll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// ImportAssetDir loads every regular file under dir into the asset cache.
func ImportAssetDir(ctx context.Context, db *DB, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		id := AssetID(data)
		if err := db.PutAsset(ctx, id, d.Name(), data); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		Log.WithFields(logrus.Fields{"asset": id, "name": d.Name()}).Debug("imported asset")
		n++
		return nil
	})
	return n, err
}
