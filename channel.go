package handoff

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handoff/internal/proto"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// waitSlice bounds a single sleep on the channel's condition variable. Waits
// longer than this are made of several slices, between which the waiter
// re-checks its deadline, its context and its peer.
const waitSlice = 50 * time.Millisecond

// Channel is a mapped shared memory segment holding one channel header and its
// request buffer.
type Channel struct {
	name       string
	path       string
	maxPayload int

	region []byte
	hdr    *channelHeader
	buffer []byte

	mu   shmMutex
	cond shmCond

	clock     clock.Clock
	l         log15.Logger
	closeOnce sync.Once
}

func segmentPath(dir, name string) (string, error) {
	if name == "" {
		return "", errors.New("segment name must not be empty")
	}
	if strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return "", errors.Errorf("invalid segment name %q", name)
	}
	return filepath.Join(dir, name), nil
}

func segmentSize(maxPayload int) int {
	return headerSize + proto.EncodedLen(maxPayload)
}

// createChannel creates the named segment, sizes it for the configured payload
// capacity and initializes its header. It fails with ErrSegmentAlreadyExists if
// the segment is present, whoever created it.
func createChannel(cfg *config) (*Channel, error) {
	path, err := segmentPath(cfg.shmDir, cfg.segmentName)
	if err != nil {
		return nil, err
	}
	l := cfg.l.New("segment", path)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err == unix.EEXIST {
		return nil, errors.Wrapf(ErrSegmentAlreadyExists, "creating %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "creating segment %s", path)
	}
	defer unix.Close(fd)

	size := segmentSize(cfg.maxPayload)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(path)
		return nil, errors.Wrapf(err, "sizing segment %s", path)
	}
	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, errors.Wrapf(err, "mapping segment %s", path)
	}

	hdr := attachHeader(region)
	initHeader(hdr, proto.LayoutVersion, cfg.maxPayload, cfg.os.Getpid())
	l.Info("created channel", "size", size, "maxPayload", cfg.maxPayload)
	return newChannel(cfg, path, region, cfg.maxPayload, l), nil
}

// openChannel maps an existing segment and validates that it was initialized
// by a process built with the same layout.
func openChannel(cfg *config) (*Channel, error) {
	path, err := segmentPath(cfg.shmDir, cfg.segmentName)
	if err != nil {
		return nil, err
	}
	l := cfg.l.New("segment", path)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err == unix.ENOENT {
		return nil, errors.Wrapf(ErrSegmentNotFound, "opening %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening segment %s", path)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrapf(err, "stat segment %s", path)
	}
	if st.Size == 0 {
		// the creator has not sized it yet
		return nil, errSegmentNotReady
	}
	if st.Size < int64(headerSize) || st.Size > int64(segmentSize(proto.MaxPayloadLimit)) {
		return nil, errors.Wrapf(ErrProtocolDesync, "segment %s has unexpected size %d", path, st.Size)
	}

	region, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping segment %s", path)
	}
	hdr := attachHeader(region)
	if err := validateHeader(hdr, len(region)); err != nil {
		_ = unix.Munmap(region)
		return nil, errors.Wrapf(err, "segment %s", path)
	}
	maxPayload := int(load(&hdr.maxPayload))
	l.Info("opened channel", "size", len(region), "maxPayload", maxPayload)
	return newChannel(cfg, path, region, maxPayload, l), nil
}

func validateHeader(hdr *channelHeader, size int) error {
	if load(&hdr.magic) != channelMagic {
		return errSegmentNotReady
	}
	if v := load(&hdr.layoutVersion); v != proto.LayoutVersion {
		return errors.Wrapf(ErrProtocolDesync, "layout version %d, expected %d", v, proto.LayoutVersion)
	}
	maxPayload := int(load(&hdr.maxPayload))
	if maxPayload > proto.MaxPayloadLimit || segmentSize(maxPayload) != size {
		return errors.Wrapf(ErrProtocolDesync, "max payload %d does not match segment size %d", maxPayload, size)
	}
	return nil
}

func newChannel(cfg *config, path string, region []byte, maxPayload int, l log15.Logger) *Channel {
	hdr := attachHeader(region)
	return &Channel{
		name:       cfg.segmentName,
		path:       path,
		maxPayload: maxPayload,
		region:     region,
		hdr:        hdr,
		buffer:     region[headerSize:],
		mu:         shmMutex{word: &hdr.mutex},
		cond:       shmCond{seq: &hdr.cond},
		clock:      cfg.clock,
		l:          l,
	}
}

// removeSegment unlinks the named segment. Processes that still have it mapped
// keep their mapping; only future opens are affected. A missing segment is not
// an error.
func removeSegment(dir, name string) error {
	path, err := segmentPath(dir, name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return errors.Wrapf(err, "removing segment %s", path)
	}
	return nil
}

// Name returns the segment name the channel was created or opened with.
func (c *Channel) Name() string {
	return c.name
}

// MaxPayload returns the payload capacity of the channel's buffer.
func (c *Channel) MaxPayload() int {
	return c.maxPayload
}

func (c *Channel) lock(ctx context.Context) error {
	return c.mu.lockContext(ctx)
}

func (c *Channel) unlock() {
	c.mu.unlock()
}

// notify wakes every process waiting on the channel. The caller must hold the
// channel lock.
func (c *Channel) notify() {
	c.cond.broadcast()
}

// aborted reports the shared abort flag. It may be called without the lock.
func (c *Channel) aborted() bool {
	return loadFlag(&c.hdr.abort)
}

// wait blocks, with the channel lock held on entry and on return, until cond
// returns true. It returns false without error if timeout is positive and
// elapses first. Between slices it checks ctx and calls check, if set; an error
// from either ends the wait.
func (c *Channel) wait(ctx context.Context, cond func() bool, timeout time.Duration, check func() error) (bool, error) {
	start := c.clock.Now()
	for !cond() {
		slice := waitSlice
		if timeout > 0 {
			remaining := timeout - c.clock.Since(start)
			if remaining <= 0 {
				return false, nil
			}
			if remaining < slice {
				slice = remaining
			}
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		c.cond.wait(c.mu, slice)
		if check != nil && !cond() {
			if err := check(); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// writeRequest encodes req into the shared buffer. The caller must hold the
// channel lock.
func (c *Channel) writeRequest(req proto.Request) error {
	n, err := proto.EncodeInto(c.buffer, req, c.maxPayload)
	if err != nil {
		return err
	}
	store(&c.hdr.length, uint32(n))
	return nil
}

// readRequest decodes the request in the shared buffer. The caller must hold
// the channel lock.
func (c *Channel) readRequest() (proto.Request, error) {
	n := int(load(&c.hdr.length))
	if n > len(c.buffer) {
		return proto.Request{}, errors.Wrapf(ErrProtocolDesync, "buffer length %d exceeds capacity %d", n, len(c.buffer))
	}
	req, err := proto.Decode(c.buffer[:n], c.maxPayload)
	if err != nil {
		return proto.Request{}, errors.Wrap(ErrProtocolDesync, err.Error())
	}
	return req, nil
}

// forceAbort unblocks every process using the channel: the mutex is released
// even if a dead process held it, abort is set and every waiter is woken.
func (c *Channel) forceAbort() {
	c.mu.forceUnlock()
	c.mu.lock()
	storeFlag(&c.hdr.abort, true)
	c.notify()
	c.unlock()
}

// abort sets the abort flag and wakes every waiter. If the lock is not
// released within timeout its holder is assumed dead and the abort is forced.
// It reports whether the abort had to be forced.
func (c *Channel) abort(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.lock(ctx); err != nil {
		c.forceAbort()
		return true
	}
	storeFlag(&c.hdr.abort, true)
	c.notify()
	c.unlock()
	return false
}

// Close unmaps the channel. It does not remove the segment.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.l.Debug("unmapping channel")
		err = unix.Munmap(c.region)
	})
	return err
}
