package listctl

import (
	"context"
	"reflect"

	"github.com/tansive/console/internal/common/httpclient"
	"github.com/tansive/console/internal/query"
)

// Record is an opaque row. Only its id is ever interpreted.
type Record = httpclient.Record

// Pagination is the paging state of a list. Current and PageSize drive the
// next fetch; Total is reported by the server and only advisory.
type Pagination struct {
	Current    int  `json:"current"`
	PageSize   int  `json:"pageSize"`
	Total      int  `json:"total"`
	TotalKnown bool `json:"totalKnown"`
}

// Pages returns the number of pages implied by Total, or 0 when unknown.
func (p Pagination) Pages() int {
	if !p.TotalKnown || p.PageSize <= 0 || p.Total <= 0 {
		return 0
	}
	n := p.Total / p.PageSize
	if p.Total%p.PageSize != 0 {
		n++
	}
	return n
}

// ProcessFunc transforms normalized rows before they are committed.
type ProcessFunc func(ctx context.Context, rows []Record) ([]Record, error)

// Descriptor is what a host view declares about its list.
type Descriptor struct {
	URL          string
	Query        query.Query // persistent filters
	ProcessData  ProcessFunc
	ProcessKey   string // distinguishes closures built from the same function literal
	ServerPaging bool   // send limit and p, expect {list, total}
}

// changed reports whether switching from d to other requires a refetch.
func (d Descriptor) changed(other Descriptor) bool {
	return d.URL != other.URL ||
		d.ServerPaging != other.ServerPaging ||
		!query.Equal(d.Query, other.Query) ||
		d.ProcessKey != other.ProcessKey ||
		funcID(d.ProcessData) != funcID(other.ProcessData)
}

func funcID(fn ProcessFunc) uintptr {
	if fn == nil {
		return 0
	}
	return reflect.ValueOf(fn).Pointer()
}

// Phase is the lifecycle position of a controller.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseError:
		return "error"
	default:
		return "idle"
	}
}

// State is a snapshot handed to the host view.
type State struct {
	Phase      Phase
	Loading    bool
	Pagination Pagination
	Data       []Record
	LastQuery  query.Query
	Err        error  // last fetch error, cleared by the next success
	Version    uint64 // increases with every state change
	ClientPage bool   // server paging disabled; Data holds the full set
}

// Visible returns the rows on the current page. With server paging the
// server already sliced Data; with client paging the slice is taken here.
func (s State) Visible() []Record {
	if !s.ClientPage {
		return s.Data
	}
	size := s.Pagination.PageSize
	if size <= 0 {
		return s.Data
	}
	start := (s.Pagination.Current - 1) * size
	if start >= len(s.Data) || start < 0 {
		return nil
	}
	end := start + size
	if end > len(s.Data) {
		end = len(s.Data)
	}
	return s.Data[start:end]
}

// FetchResult is returned by Request.
type FetchResult struct {
	Data       []Record
	Pagination Pagination
}

// Fetcher sends list requests. *httpclient.HTTPClient implements it.
type Fetcher interface {
	Send(ctx context.Context, opts httpclient.RequestOptions) (*httpclient.Result, error)
}
