// Package ifaces maps interface names to kernel interface indexes. Rules
// name interfaces; packets carry indexes.
package ifaces

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
)

// DefaultPollInterval is how often the registry relists links.
const DefaultPollInterval = 5 * time.Second

// linkLister abstracts netlink.Handle for testing.
type linkLister interface {
	LinkList() ([]netlink.Link, error)
	LinkByName(name string) (netlink.Link, error)
}

// Link is the registry's view of one interface.
type Link struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Up    bool   `json:"up"`
}

// Registry keeps the name and index of every link on the host.
type Registry struct {
	nl linkLister

	mu     sync.RWMutex
	byName map[string]Link
	byIdx  map[uint32]Link

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a registry backed by a netlink handle in the current
// network namespace.
func New() (*Registry, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return newRegistry(h), nil
}

func newRegistry(nl linkLister) *Registry {
	return &Registry{
		nl:     nl,
		byName: make(map[string]Link),
		byIdx:  make(map[uint32]Link),
	}
}

// Refresh relists all links.
func (r *Registry) Refresh() error {
	links, err := r.nl.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	byName := make(map[string]Link, len(links))
	byIdx := make(map[uint32]Link, len(links))
	for _, l := range links {
		ln := fromNetlink(l)
		byName[ln.Name] = ln
		byIdx[uint32(ln.Index)] = ln
	}

	r.mu.Lock()
	added, removed := diff(r.byName, byName)
	r.byName, r.byIdx = byName, byIdx
	r.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		slog.Info("interfaces changed", "added", added, "removed", removed)
	}
	return nil
}

func fromNetlink(l netlink.Link) Link {
	a := l.Attrs()
	return Link{
		Index: a.Index,
		Name:  a.Name,
		Up:    a.OperState == netlink.OperUp || (a.Flags&net.FlagUp != 0 && a.OperState == netlink.OperUnknown),
	}
}

func diff(old, cur map[string]Link) (added, removed []string) {
	for n := range cur {
		if _, ok := old[n]; !ok {
			added = append(added, n)
		}
	}
	for n := range old {
		if _, ok := cur[n]; !ok {
			removed = append(removed, n)
		}
	}
	return added, removed
}

// Index returns the index of the named interface. An unknown name is
// looked up in the kernel directly, for links created since the last
// refresh.
func (r *Registry) Index(name string) (uint32, error) {
	r.mu.RLock()
	l, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return uint32(l.Index), nil
	}
	nl, err := r.nl.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %q: %w", name, err)
	}
	l = fromNetlink(nl)
	r.mu.Lock()
	r.byName[l.Name] = l
	r.byIdx[uint32(l.Index)] = l
	r.mu.Unlock()
	return uint32(l.Index), nil
}

// Name returns the name of interface idx, or its number when unknown.
func (r *Registry) Name(idx uint32) string {
	r.mu.RLock()
	l, ok := r.byIdx[idx]
	r.mu.RUnlock()
	if ok {
		return l.Name
	}
	return fmt.Sprintf("if%d", idx)
}

// Links returns all known links.
func (r *Registry) Links() []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Link, 0, len(r.byName))
	for _, l := range r.byName {
		out = append(out, l)
	}
	return out
}

// Start refreshes the registry every interval until Stop or until ctx is
// done. Calling Start again restarts the loop.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	r.Stop()
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx, interval)
}

// Stop halts the refresh loop and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
}

func (r *Registry) loop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.Refresh(); err != nil {
		slog.Warn("interface refresh failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(); err != nil {
				slog.Warn("interface refresh failed", "err", err)
			}
		}
	}
}
