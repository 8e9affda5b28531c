package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tansive/console/internal/listctl"
	"github.com/tansive/console/internal/query"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// listResource describes a collection the CLI knows how to list.
type listResource struct {
	Path         string
	ServerPaging bool
	Fields       []string
}

var listResources = map[string]listResource{
	"users": {Path: "/api/users", ServerPaging: true, Fields: []string{"id", "username", "nickname", "email"}},
	"teams": {Path: "/api/teams", ServerPaging: false, Fields: []string{"id", "name", "note"}},
	"hosts": {Path: "/api/hosts", ServerPaging: true, Fields: []string{"id", "ident", "batch"}},
}

type listOptions struct {
	page         int
	limit        int
	query        string
	batch        string
	fields       []string
	all          bool
	clientPaging bool
	concurrency  int
	maxPages     int
}

// newListCmd creates the list command
func newListCmd(o *rootOptions) *cobra.Command {
	lo := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list RESOURCE [flags]",
		Short: "List a server collection page by page",
		Long: `List a server collection. Supported resources are users, teams and
hosts; any other argument starting with / is used as the endpoint path.

Examples:
  # First page of users
  console list users

  # Third page, 5 per page; the page size is remembered
  console list users --page 3 --limit 5

  # Hosts of batch b1 whose ident contains "web"
  console list hosts --batch b1 --query web

  # Every user, as JSON
  console list users --all -j`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, o, lo, args[0])
		},
	}

	cmd.Flags().IntVar(&lo.page, "page", 1, "Page to show")
	cmd.Flags().IntVarP(&lo.limit, "limit", "l", 0, "Rows per page; stored as the default for later calls")
	cmd.Flags().StringVarP(&lo.query, "query", "q", "", "Filter sent as the query parameter")
	cmd.Flags().StringVar(&lo.batch, "batch", "", "Filter hosts by batch")
	cmd.Flags().StringSliceVarP(&lo.fields, "field", "f", nil, "Columns to print (repeatable)")
	cmd.Flags().BoolVar(&lo.all, "all", false, "Fetch every page")
	cmd.Flags().BoolVar(&lo.clientPaging, "client-paging", false, "Fetch the whole collection and page locally")
	cmd.Flags().IntVar(&lo.concurrency, "concurrency", listctl.DefaultFetchAllConcurrency, "Parallel page requests with --all")
	cmd.Flags().IntVar(&lo.maxPages, "max-pages", listctl.DefaultFetchAllLimit, "Most pages requested with --all")
	return cmd
}

func resolveListResource(name string, lo *listOptions) (listResource, error) {
	res, ok := listResources[strings.ToLower(name)]
	if !ok {
		if !strings.HasPrefix(name, "/") {
			names := make([]string, 0, len(listResources))
			for k := range listResources {
				names = append(names, k)
			}
			sort.Strings(names)
			return listResource{}, fmt.Errorf("unknown resource %q, expected one of %s or an endpoint path", name, strings.Join(names, ", "))
		}
		res = listResource{Path: name, ServerPaging: true, Fields: []string{"id"}}
	}
	if lo.clientPaging {
		res.ServerPaging = false
	}
	if len(lo.fields) > 0 {
		res.Fields = lo.fields
	}
	return res, nil
}

func runList(cmd *cobra.Command, o *rootOptions, lo *listOptions, name string) error {
	res, err := resolveListResource(name, lo)
	if err != nil {
		return err
	}

	a, err := o.loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	ctl := listctl.New(a.client, a.prefs, listctl.WithOnChange(func(s listctl.State) {
		log.Debug().Str("phase", s.Phase.String()).Str("query", s.LastQuery.Encode()).
			Int("rows", len(s.Data)).Msg("list state")
	}), listctl.WithFetchAllLimit(lo.maxPages))
	if cmd.Flags().Changed("limit") {
		if err := ctl.SetPageSize(ctx, lo.limit, false); err != nil {
			return err
		}
	}
	if err := ctl.SetPage(ctx, lo.page); err != nil {
		return err
	}

	desc := listctl.Descriptor{
		URL:          res.Path,
		ServerPaging: res.ServerPaging,
		Query: query.Query{
			"query": optional(lo.query),
			"batch": optional(lo.batch),
		},
	}

	if lo.all {
		ctl.SetDescriptor(desc)
		result, err := ctl.FetchAll(ctx, nil, lo.concurrency)
		if err != nil {
			return handled(err)
		}
		pag := result.Pagination
		pag.PageSize = len(result.Data)
		return printList(cmd.OutOrStdout(), o.jsonOutput, name, res.Fields, result.Data, pag)
	}

	if err := ctl.Mount(ctx, desc); err != nil {
		return handled(err)
	}
	s := ctl.State()
	pag := s.Pagination
	if s.ClientPage {
		pag.Total = len(s.Data)
		pag.TotalKnown = true
	}
	return printList(cmd.OutOrStdout(), o.jsonOutput, name, res.Fields, s.Visible(), pag)
}

// optional maps an empty flag to nil so the key is left off the wire.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func printList(w io.Writer, jsonOutput bool, name string, fields []string, rows []listctl.Record, pag listctl.Pagination) error {
	if jsonOutput {
		if rows == nil {
			rows = []listctl.Record{}
		}
		return printJSON(w, map[string]any{
			"result":     1,
			"data":       rows,
			"pagination": pag,
		})
	}

	fmt.Fprintf(w, "%s:\n", cases.Title(language.English).String(strings.TrimPrefix(name, "/")))
	if len(rows) == 0 {
		fmt.Fprintln(w, "No entries")
		return nil
	}
	fmt.Fprint(w, renderTable(fields, rows))
	if pages := pag.Pages(); pages > 0 {
		fmt.Fprintf(w, "Page %d of %d (%d total)\n", pag.Current, pages, pag.Total)
	}
	return nil
}

// renderTable lays rows out in padded columns.
func renderTable(fields []string, rows []listctl.Record) string {
	widths := make([]int, len(fields))
	for i, f := range fields {
		widths[i] = lipgloss.Width(f)
	}
	cells := make([][]string, len(rows))
	for r, row := range rows {
		cells[r] = make([]string, len(fields))
		for i, f := range fields {
			cells[r][i] = cell(row, f)
			if cw := lipgloss.Width(cells[r][i]); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	// lipgloss widths include padding
	for i := range widths {
		widths[i] += 2
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	body := lipgloss.NewStyle().Padding(0, 1)

	var sb strings.Builder
	for i, f := range fields {
		sb.WriteString(header.Width(widths[i]).Render(strings.ToUpper(f)))
	}
	sb.WriteString("\n")
	for _, row := range cells {
		for i, c := range row {
			sb.WriteString(body.Width(widths[i]).Render(c))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func cell(row listctl.Record, field string) string {
	if field == "id" {
		return row.ID()
	}
	v, ok := row[field]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
