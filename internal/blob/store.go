// Package blob stores file attachments by content address and fetches
// missing ones from the peers that own them.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("blob")

var (
	ErrTooLarge = errors.New("blob too large")
	ErrNotFound = errors.New("blob not found")
	ErrTimeout  = errors.New("blob transfer timed out")
)

const (
	idPrefix        = "sha256-"
	ChunkSize       = 64 * 1024
	DefaultMaxBytes = 50 << 20
)

// Progress reports bytes transferred so far out of total.
type Progress func(done, total int64)

// Fetcher pulls a blob from a remote peer. An empty owner means any peer
// that has it.
type Fetcher interface {
	FetchBlob(ctx context.Context, owner, id string, progress Progress) ([]byte, error)
}

type Options struct {
	MaxBytes     int64
	Timeout      time.Duration
	CacheEntries int
	Fetcher      Fetcher
}

// DiskStore keeps blobs as files named by id under dir.
type DiskStore struct {
	dir     string
	max     int64
	timeout time.Duration
	cache   *Cache

	mu      sync.RWMutex
	fetcher Fetcher
}

func NewDiskStore(dir string, opts Options) (*DiskStore, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = util.DefaultTransferTimeout
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	cache, err := NewCache(opts.CacheEntries)
	if err != nil {
		return nil, err
	}
	return &DiskStore{
		dir:     dir,
		max:     opts.MaxBytes,
		timeout: opts.Timeout,
		cache:   cache,
		fetcher: opts.Fetcher,
	}, nil
}

// SetFetcher installs the remote fetcher once the network is up.
func (s *DiskStore) SetFetcher(f Fetcher) {
	s.mu.Lock()
	s.fetcher = f
	s.mu.Unlock()
}

// MaxBytes returns the upload limit.
func (s *DiskStore) MaxBytes() int64 { return s.max }

// ID returns the content address of data.
func ID(data []byte) string {
	sum := sha256.Sum256(data)
	return idPrefix + hex.EncodeToString(sum[:])
}

// ValidID reports whether id looks like a content address.
func ValidID(id string) bool {
	hexPart, ok := strings.CutPrefix(id, idPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// Upload stores data and returns its id. Oversized payloads are rejected
// before anything is written.
func (s *DiskStore) Upload(ctx context.Context, data []byte, progress Progress) (string, error) {
	size := int64(len(data))
	if size > s.max {
		return "", fmt.Errorf("%w: %s exceeds the %s limit", ErrTooLarge,
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(s.max)))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := ID(data)
	if s.Has(id) {
		if progress != nil {
			progress(size, size)
		}
		return id, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := CopyWithProgress(ctx, tmp, bytes.NewReader(data), size, progress); err != nil {
		tmp.Close()
		return "", transferErr(err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		return "", err
	}
	log.Debugf("stored %s (%s)", util.ShortID(id), humanize.Bytes(uint64(size)))
	return id, nil
}

// Download returns the blob, fetching it from any peer if it is neither
// stored locally nor cached.
func (s *DiskStore) Download(ctx context.Context, id string, progress Progress) ([]byte, error) {
	return s.DownloadFrom(ctx, "", id, progress)
}

// DownloadFrom is Download with a preferred owner peer.
func (s *DiskStore) DownloadFrom(ctx context.Context, owner, id string, progress Progress) ([]byte, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: bad id %q", ErrNotFound, id)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if data, err := s.readLocal(ctx, id, progress); err == nil {
		return data, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if data, ok := s.cache.Get(id); ok {
		if progress != nil {
			progress(int64(len(data)), int64(len(data)))
		}
		return data, nil
	}

	s.mu.RLock()
	fetcher := s.fetcher
	s.mu.RUnlock()
	if fetcher == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := fetcher.FetchBlob(ctx, owner, id, progress)
	if err != nil {
		return nil, transferErr(err)
	}
	if ID(data) != id {
		return nil, fmt.Errorf("%w: content does not match %s", ErrNotFound, id)
	}
	s.cache.Put(id, data)
	return data, nil
}

// Read returns a locally stored blob without progress reporting. The p2p
// blob protocol serves from here.
func (s *DiskStore) Read(id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// Has reports whether id is stored locally.
func (s *DiskStore) Has(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Delete removes a local blob. Missing blobs are not an error.
func (s *DiskStore) Delete(id string) error {
	if !ValidID(id) {
		return nil
	}
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		err = nil
	}
	return err
}

func (s *DiskStore) readLocal(ctx context.Context, id string, progress Progress) ([]byte, error) {
	f, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(int(st.Size()))
	if _, err := CopyWithProgress(ctx, &buf, f, st.Size(), progress); err != nil {
		return nil, transferErr(err)
	}
	return buf.Bytes(), nil
}

func (s *DiskStore) path(id string) string {
	return filepath.Join(s.dir, id)
}

// CopyWithProgress copies src to dst in ChunkSize pieces, reporting after
// each chunk and stopping when ctx is done.
func CopyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress Progress) (int64, error) {
	buf := make([]byte, ChunkSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return done, err
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			return done, nil
		}
		if rerr != nil {
			return done, rerr
		}
	}
}

func transferErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
