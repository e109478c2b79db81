package handoff

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// openRecheckInterval is how often openChannelWait retries without having seen
// a filesystem event. The creator initializes the segment through its mapping,
// which produces no events, so some polling remains.
const openRecheckInterval = 20 * time.Millisecond

// openChannelWait opens the configured channel, waiting up to the configured
// open timeout for a leader to create and initialize it. A leader may hold the
// leader lock for a short while before its channel exists; a follower started
// in that window would otherwise fail with ErrSegmentNotFound.
func openChannelWait(ctx context.Context, cfg *config) (*Channel, error) {
	ch, err := openChannel(cfg)
	if err == nil || errors.Cause(err) != ErrSegmentNotFound || cfg.openTimeout <= 0 {
		return ch, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.openTimeout)
	defer cancel()
	l := cfg.l.New("segment", cfg.segmentName)
	l.Debug("waiting for channel to be created", "timeout", cfg.openTimeout)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	w, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer w.Close()
		if werr = w.Add(cfg.shmDir); werr == nil {
			events, watchErrs = w.Events, w.Errors
		}
	}
	if werr != nil {
		l.Warn("unable to watch for the channel, polling instead", "dir", cfg.shmDir, "err", werr)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(err, ctx.Err().Error())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != cfg.segmentName || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
		case werr, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			l.Warn("error watching for the channel", "err", werr)
		case <-cfg.clock.After(openRecheckInterval):
		}

		ch, err = openChannel(cfg)
		if err == nil || errors.Cause(err) != ErrSegmentNotFound {
			return ch, err
		}
	}
}
