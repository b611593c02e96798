package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Producer sends deposit directories to out until it has no more to give or
// ctx is done. Implementations close out on return.
type Producer interface {
	Run(ctx context.Context, out chan<- string) error
}

// ScanProducer lists the inbox once, oldest deposit first.
type ScanProducer struct {
	store DepositStore
	inbox string
}

var _ Producer = (*ScanProducer)(nil)

func NewScanProducer(store DepositStore, inbox string) *ScanProducer {
	return &ScanProducer{store: store, inbox: inbox}
}

func (p *ScanProducer) Run(ctx context.Context, out chan<- string) error {
	defer close(out)
	dirs, err := p.store.ListDeposits(p.inbox)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		select {
		case out <- dir:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// DefaultMaxSeen bounds the memory of a WatchProducer.
const DefaultMaxSeen = 10000

// WatchProducer polls the inbox and sends every directory it has not sent
// before. Directories that leave the inbox are forgotten, so a deposit
// moved back into it is sent again.
type WatchProducer struct {
	logger   logrus.FieldLogger
	store    DepositStore
	inbox    string
	interval time.Duration
	maxSeen  int

	seen  map[string]struct{}
	order []string
}

var _ Producer = (*WatchProducer)(nil)

func NewWatchProducer(logger logrus.FieldLogger, store DepositStore, inbox string, interval time.Duration) *WatchProducer {
	return &WatchProducer{
		logger:   logger,
		store:    store,
		inbox:    inbox,
		interval: interval,
		maxSeen:  DefaultMaxSeen,
		seen:     map[string]struct{}{},
	}
}

func (p *WatchProducer) Run(ctx context.Context, out chan<- string) error {
	defer close(out)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		dirs, err := p.poll()
		if err != nil {
			p.logger.WithError(err).Warn("Cannot scan inbox.")
		}
		for _, dir := range dirs {
			select {
			case out <- dir:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// poll returns the directories not seen before and updates the seen set.
func (p *WatchProducer) poll() ([]string, error) {
	dirs, err := p.store.ListDeposits(p.inbox)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		present[dir] = struct{}{}
	}

	kept := p.order[:0]
	for _, dir := range p.order {
		if _, ok := present[dir]; ok {
			kept = append(kept, dir)
		} else {
			delete(p.seen, dir)
		}
	}
	p.order = kept

	var fresh []string
	for _, dir := range dirs {
		if _, ok := p.seen[dir]; ok {
			continue
		}
		p.seen[dir] = struct{}{}
		p.order = append(p.order, dir)
		fresh = append(fresh, dir)
	}

	for len(p.order) > p.maxSeen {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	return fresh, nil
}
