// Package listctl drives a remote-backed, paginated list on behalf of a host
// view. The host declares a Descriptor; the controller owns pagination,
// composes queries, fetches, normalizes the two payload shapes, applies the
// ProcessData hook and publishes State snapshots.
//
// Overlapping fetches on one controller resolve as latest-issued wins: every
// fetch takes a sequence number, issuing a fetch cancels the one in flight,
// and a completion whose sequence is no longer the latest is discarded.
//
// Page reset policy: changing the descriptor (URL, query, ProcessData or
// paging mode) and Reload(ctx, true) go back to page 1. SetPageSize goes
// back to page 1 only when asked to. SetPage and Reload(ctx, false) keep the
// requested page.
package listctl

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tansive/console/internal/common/httpclient"
	"github.com/tansive/console/internal/prefs"
	"github.com/tansive/console/internal/query"
)

// DefaultPageSize is used when no page size preference is stored.
const DefaultPageSize = 10

// Controller is one list instance. All methods are safe for concurrent use.
type Controller struct {
	fetcher Fetcher
	prefs   prefs.Store
	logger  zerolog.Logger

	mu       sync.Mutex
	desc     Descriptor
	mounted  bool
	state    State
	target   Pagination // pagination the next fetch asks for
	seq      uint64
	cancel   context.CancelFunc
	onChange []func(State)
	maxPages int

	// phase before the fetch in flight started
	idlePhase Phase

	emitMu      sync.Mutex
	lastEmitted uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithFetchAllLimit bounds the pages FetchAll requests. Values below 1 keep
// DefaultFetchAllLimit.
func WithFetchAllLimit(pages int) Option {
	return func(c *Controller) {
		if pages > 0 {
			c.maxPages = pages
		}
	}
}

// WithOnChange registers a render callback. See OnChange.
func WithOnChange(fn func(State)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.onChange = append(c.onChange, fn)
		}
	}
}

// New creates a controller in the Idle phase. The page size is seeded from
// store, falling back to DefaultPageSize. A nil store keeps the preference in
// memory.
func New(fetcher Fetcher, store prefs.Store, opts ...Option) *Controller {
	if store == nil {
		store = &prefs.MemStore{}
	}
	c := &Controller{
		fetcher: fetcher,
		prefs:   store,
		logger:  log.Logger,

		maxPages: DefaultFetchAllLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	size := DefaultPageSize
	if n, ok := store.PageSize(); ok && n > 0 {
		size = n
	}
	c.state.Pagination = Pagination{Current: 1, PageSize: size}
	c.target = c.state.Pagination
	return c
}

// OnChange registers fn to be called with a snapshot after every state
// change. Callbacks run outside the controller lock and never see an older
// version after a newer one.
func (c *Controller) OnChange(fn func(State)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Descriptor returns the descriptor currently in effect.
func (c *Controller) Descriptor() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Mount installs desc and performs the initial fetch. Mounting an already
// mounted controller behaves like Update.
func (c *Controller) Mount(ctx context.Context, desc Descriptor) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return c.Update(ctx, desc)
	}
	c.mounted = true
	c.desc = desc
	return c.loadLocked(ctx)
}

// SetDescriptor installs desc without fetching, for hosts that only use
// Request or FetchAll. A mounted controller is unaffected until the next
// Update.
func (c *Controller) SetDescriptor(desc Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		c.desc = desc
	}
}

// Update replaces the descriptor. When the URL, the persistent query, the
// ProcessData hook or the paging mode changed, the list goes back to page 1
// and refetches; otherwise nothing is fetched.
func (c *Controller) Update(ctx context.Context, desc Descriptor) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return c.Mount(ctx, desc)
	}
	if !c.desc.changed(desc) {
		c.desc = desc
		c.mu.Unlock()
		return nil
	}
	c.desc = desc
	c.target.Current = 1
	return c.loadLocked(ctx)
}

// Unmount cancels any fetch in flight and discards its result. State is kept
// so a later Mount starts from it.
func (c *Controller) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounted = false
	c.seq++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state.Loading {
		c.state.Loading = false
		c.state.Phase = c.idlePhase
		c.state.Version++
	}
	c.target = c.state.Pagination
}

// SetPage fetches page n. Before Mount it only selects the page the initial
// fetch asks for.
func (c *Controller) SetPage(ctx context.Context, n int) error {
	if n < 1 {
		return ErrInvalidPage
	}
	c.mu.Lock()
	c.target.Current = n
	if !c.mounted {
		c.state.Pagination.Current = n
		c.state.Version++
		s := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(s)
		return nil
	}
	return c.loadLocked(ctx)
}

// SetPageSize persists size as the page size preference and refetches. The
// current page is reset to 1 only when backFirstPage is set.
func (c *Controller) SetPageSize(ctx context.Context, size int, backFirstPage bool) error {
	if size < 1 {
		return ErrInvalidPageSize
	}
	if err := c.prefs.SetPageSize(size); err != nil {
		c.logger.Warn().Err(err).Int("page_size", size).Msg("unable to persist page size")
	}
	c.mu.Lock()
	c.target.PageSize = size
	if backFirstPage {
		c.target.Current = 1
	}
	if !c.mounted {
		c.state.Pagination.PageSize = size
		if backFirstPage {
			c.state.Pagination.Current = 1
		}
		c.state.Version++
		s := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(s)
		return nil
	}
	return c.loadLocked(ctx)
}

// Reload refetches with the current descriptor and pagination. With
// resetToFirstPage the fetch asks for page 1.
func (c *Controller) Reload(ctx context.Context, resetToFirstPage bool) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrNotMounted
	}
	if resetToFirstPage {
		c.target.Current = 1
	}
	return c.loadLocked(ctx)
}

// Request performs a one-off fetch composed from the current pagination,
// the persistent query and override, applies ProcessData and returns the
// result without touching controller state.
func (c *Controller) Request(ctx context.Context, override query.Query) (FetchResult, error) {
	res, _, err := c.request(ctx, override)
	return res, err
}

// request is Request that also reports the row count of the payload before
// ProcessData.
func (c *Controller) request(ctx context.Context, override query.Query) (FetchResult, int, error) {
	c.mu.Lock()
	desc := c.desc
	pag := c.target
	c.mu.Unlock()
	if desc.URL == "" {
		return FetchResult{}, 0, ErrNotMounted
	}

	q := query.Compose(query.Base(pag.Current, pag.PageSize, desc.ServerPaging), desc.Query, override)
	if n, ok := q.Int(query.PageKey); ok {
		if n < 1 {
			return FetchResult{}, 0, ErrInvalidPage
		}
		pag.Current = n
	}
	if n, ok := q.Int(query.LimitKey); ok {
		if n < 1 {
			return FetchResult{}, 0, ErrInvalidPageSize
		}
		pag.PageSize = n
	}
	return c.fetch(ctx, desc, q, pag)
}

// loadLocked issues a fetch for c.target. It is entered with c.mu held and
// releases it.
func (c *Controller) loadLocked(ctx context.Context) error {
	c.seq++
	seq := c.seq
	if c.cancel != nil {
		c.cancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	desc := c.desc
	pag := c.target
	q := query.Compose(query.Base(pag.Current, pag.PageSize, desc.ServerPaging), desc.Query, nil)

	if !c.state.Loading {
		c.idlePhase = c.state.Phase
	}
	c.state.Phase = PhaseLoading
	c.state.Loading = true
	c.state.LastQuery = q
	c.state.ClientPage = !desc.ServerPaging
	c.state.Version++
	s := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(s)

	res, _, err := c.fetch(fctx, desc, q, pag)
	cancel()

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		c.logger.Debug().Str("url", desc.URL).Uint64("seq", seq).Msg("discarding stale list response")
		return ErrSuperseded
	}
	c.cancel = nil
	c.state.Loading = false
	if err != nil {
		c.state.Phase = PhaseError
		c.state.Err = err
		c.target = c.state.Pagination
		c.logger.Debug().Err(err).Str("url", desc.URL).Msg("list fetch failed")
	} else {
		c.state.Phase = PhaseLoaded
		c.state.Err = nil
		c.state.Data = res.Data
		c.state.Pagination = res.Pagination
		c.target = res.Pagination
	}
	c.state.Version++
	s = c.snapshotLocked()
	c.mu.Unlock()
	c.emit(s)
	return err
}

// fetch sends q to desc.URL, normalizes the payload and applies ProcessData.
// pag is the pagination the request asked for; its Total is carried over
// when the payload does not report one. The returned count is the number of
// rows in the payload before ProcessData.
func (c *Controller) fetch(ctx context.Context, desc Descriptor, q query.Query, pag Pagination) (FetchResult, int, error) {
	res, err := c.fetcher.Send(ctx, httpclient.RequestOptions{
		Method: http.MethodGet,
		Path:   desc.URL,
		Query:  q,
	})
	if err != nil {
		return FetchResult{}, 0, err
	}

	var rows []Record
	switch res.Shape {
	case httpclient.ShapePaginated:
		rows = res.Records
		pag.Total = res.Total
		pag.TotalKnown = true
	case httpclient.ShapeUnpaginated:
		rows = res.Records
	default:
		c.logger.Debug().Str("url", desc.URL).Msg("list endpoint returned a non-list payload")
	}
	if rows == nil {
		rows = []Record{}
	}

	raw := len(rows)
	if desc.ProcessData != nil {
		rows, err = desc.ProcessData(ctx, rows)
		if err != nil {
			return FetchResult{}, 0, ErrProcessing.Err(err)
		}
	}
	return FetchResult{Data: rows, Pagination: pag}, raw, nil
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	s.LastQuery = c.state.LastQuery.Clone()
	if c.state.Data != nil {
		s.Data = append([]Record(nil), c.state.Data...)
	}
	return s
}

func (c *Controller) emit(s State) {
	c.mu.Lock()
	fns := make([]func(State), len(c.onChange))
	copy(fns, c.onChange)
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if s.Version <= c.lastEmitted {
		return
	}
	c.lastEmitted = s.Version
	for _, fn := range fns {
		fn(s)
	}
}
