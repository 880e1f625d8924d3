package p2p

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/goopchat/internal/blob"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/util"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// BlobSource serves locally stored blobs. blob.DiskStore satisfies it.
type BlobSource interface {
	Read(id string) ([]byte, error)
	MaxBytes() int64
}

// EnableBlobs registers the blob stream handler.
func (n *Node) EnableBlobs(src BlobSource) {
	n.blobs = src
	n.Host.SetStreamHandler(protocol.ID(proto.BlobProtoID), n.handleBlobStream)
}

// Request: "<id>\n". Response: "OK <size>\n<bytes>" or "NONE\n".
func (n *Node) handleBlobStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(util.DefaultTransferTimeout))

	rd := bufio.NewReader(io.LimitReader(s, 256))
	id, err := rd.ReadString('\n')
	if err != nil {
		return
	}
	id = strings.TrimSpace(id)

	if n.blobs == nil || !blob.ValidID(id) {
		_, _ = io.WriteString(s, "NONE\n")
		return
	}
	data, err := n.blobs.Read(id)
	if err != nil {
		_, _ = io.WriteString(s, "NONE\n")
		return
	}

	_, _ = fmt.Fprintf(s, "OK %d\n", len(data))
	_, _ = s.Write(data)
}

// FetchBlob implements blob.Fetcher. With an empty owner every connected
// peer is asked in turn.
func (n *Node) FetchBlob(ctx context.Context, owner, id string, progress blob.Progress) ([]byte, error) {
	if owner != "" {
		pid, err := peer.Decode(owner)
		if err != nil {
			return nil, err
		}
		return n.fetchFrom(ctx, pid, id, progress)
	}

	for _, pid := range n.Host.Network().Peers() {
		data, err := n.fetchFrom(ctx, pid, id, progress)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debugf("blob %s not at %s: %v", util.ShortID(id), util.ShortID(pid.String()), err)
	}
	return nil, fmt.Errorf("%w: no connected peer has %s", blob.ErrNotFound, id)
}

func (n *Node) fetchFrom(ctx context.Context, pid peer.ID, id string, progress blob.Progress) ([]byte, error) {
	_ = n.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.BlobProtoID))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if _, err := io.WriteString(s, id+"\n"); err != nil {
		return nil, err
	}
	_ = s.CloseWrite()

	rd := bufio.NewReader(s)
	header, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	header = strings.TrimSpace(header)

	if header == "NONE" {
		return nil, blob.ErrNotFound
	}
	if !strings.HasPrefix(header, "OK ") {
		return nil, fmt.Errorf("unexpected response: %q", header)
	}

	size, err := strconv.ParseInt(strings.TrimPrefix(header, "OK "), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad size: %w", err)
	}
	limit := int64(blob.DefaultMaxBytes)
	if n.blobs != nil {
		limit = n.blobs.MaxBytes()
	}
	if size < 0 || size > limit {
		return nil, fmt.Errorf("%w: peer offered %d bytes", blob.ErrTooLarge, size)
	}

	var buf bytes.Buffer
	buf.Grow(int(size))
	got, err := blob.CopyWithProgress(ctx, &buf, io.LimitReader(rd, size), size, progress)
	if err != nil {
		return nil, err
	}
	if got != size {
		return nil, errors.New("blob stream ended early")
	}
	return buf.Bytes(), nil
}
