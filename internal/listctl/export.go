package listctl

import (
	"context"

	"github.com/tansive/console/internal/query"
	"golang.org/x/sync/errgroup"
)

// DefaultFetchAllConcurrency bounds the page requests FetchAll keeps in flight.
const DefaultFetchAllConcurrency = 4

// DefaultFetchAllLimit is the most pages FetchAll requests unless
// WithFetchAllLimit says otherwise.
const DefaultFetchAllLimit = 1000

// FetchAll collects every row of the list. Page 1 is fetched through Request;
// when the server reports a total, the remaining pages are fetched in batches
// of concurrency requests and assembled in page order. The reported total
// only bounds the walk: it stops at the first short or empty page and never
// goes past the controller's page limit. Controller state is not touched.
func (c *Controller) FetchAll(ctx context.Context, override query.Query, concurrency int) (FetchResult, error) {
	if concurrency < 1 {
		concurrency = DefaultFetchAllConcurrency
	}
	first := query.Compose(override, query.Query{query.PageKey: 1}, nil)
	res, n, err := c.request(ctx, first)
	if err != nil {
		return FetchResult{}, err
	}

	c.mu.Lock()
	serverPaging := c.desc.ServerPaging
	maxPages := c.maxPages
	c.mu.Unlock()

	limit := res.Pagination.PageSize
	pages := min(res.Pagination.Pages(), maxPages)
	if !serverPaging || pages <= 1 || n < limit {
		return res, nil
	}

	all := res.Data
	for next := 2; next <= pages; {
		batch := min(concurrency, pages-next+1)
		chunks := make([][]Record, batch)
		counts := make([]int, batch)
		g, gctx := errgroup.WithContext(ctx)
		for i := range batch {
			page := next + i
			g.Go(func() error {
				r, n, err := c.request(gctx, query.Compose(override, query.Query{query.PageKey: page}, nil))
				if err != nil {
					return err
				}
				chunks[i], counts[i] = r.Data, n
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return FetchResult{}, err
		}

		short := false
		for i, chunk := range chunks {
			all = append(all, chunk...)
			if counts[i] < limit {
				short = true
				break
			}
		}
		if short {
			break
		}
		next += batch
	}

	pag := res.Pagination
	pag.Current = 1
	return FetchResult{Data: all, Pagination: pag}, nil
}
