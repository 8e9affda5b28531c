package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/tansive/console/internal/common/httpclient"
	"github.com/tansive/console/internal/notify"
	"github.com/tansive/console/internal/prefs"
	"github.com/tansive/console/internal/session"
)

// app wires the console components for one command invocation.
type app struct {
	cfg      *Config
	notices  *notify.Channel
	client   *httpclient.HTTPClient
	session  *session.Store
	prefs    prefs.Store
	registry *prometheus.Registry

	errOut     io.Writer
	jsonOutput bool

	mu         sync.Mutex
	rendered   []string
	stopRender func()
	renderDone chan struct{}
}

// newApp builds the notice channel, client, session store and preference
// store from cfg. Callers must call close.
func newApp(o *rootOptions, cfg *Config, errOut io.Writer, clientOpts ...httpclient.Option) (*app, error) {
	d, err := cfg.noticeDuration()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		registry:   prometheus.NewRegistry(),
		errOut:     errOut,
		jsonOutput: o.jsonOutput,
		renderDone: make(chan struct{}),
	}
	a.notices = notify.New(notify.WithDuration(d), notify.WithRegisterer(a.registry))

	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = cfg.SessionPaths().Login
	}
	opts := []httpclient.Option{
		httpclient.WithNotifier(a.notices),
		httpclient.WithNavigator(&terminalNavigator{w: errOut}),
		httpclient.WithLoginPath(loginPath),
		httpclient.WithRegisterer(a.registry),
		httpclient.WithRetry(o.retries, o.retryDelay),
	}
	a.client = httpclient.NewClient(cfg, append(opts, clientOpts...)...)
	a.session = session.New(a.client, cfg, session.WithPaths(cfg.SessionPaths()))
	a.client.SetInvalidator(a.session)

	a.prefs = &prefs.MemStore{}
	if cfg.File() != "" {
		store, err := prefs.Open(filepath.Join(filepath.Dir(cfg.File()), prefs.DefaultFile))
		if err != nil {
			log.Warn().Err(err).Msg("ignoring unreadable preferences")
		} else {
			a.prefs = store
		}
	}

	events, stop := a.notices.Subscribe(32)
	a.stopRender = stop
	go a.render(events)
	return a, nil
}

// render prints notices as they are pushed.
func (a *app) render(events <-chan notify.Event) {
	defer close(a.renderDone)
	for ev := range events {
		if ev.Kind != notify.EventPushed {
			continue
		}
		a.mu.Lock()
		a.rendered = append(a.rendered, ev.Notice.Message)
		a.mu.Unlock()
		if !a.jsonOutput {
			warnLabel.Fprintf(a.errOut, "! %s\n", ev.Notice.Message)
		}
	}
}

// close aborts in-flight requests, flushes pending notices and releases
// timers. In JSON mode the notices are written as one object.
func (a *app) close() {
	a.client.Shutdown()
	a.stopRender()
	<-a.renderDone
	a.notices.Close()

	a.mu.Lock()
	rendered := append([]string(nil), a.rendered...)
	a.mu.Unlock()
	if a.jsonOutput && len(rendered) > 0 {
		if err := printJSON(a.errOut, map[string]any{"notices": rendered}); err != nil {
			log.Debug().Err(err).Msg("unable to write notices")
		}
	}
	a.logMetrics()
}

func (a *app) logMetrics() {
	families, err := a.registry.Gather()
	if err != nil {
		log.Debug().Err(err).Msg("unable to gather metrics")
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			ev := log.Debug().Str("metric", mf.GetName())
			for _, lp := range m.GetLabel() {
				ev = ev.Str(lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				ev = ev.Float64("value", m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				ev = ev.Float64("value", m.GetGauge().GetValue())
			}
			ev.Msg("client metric")
		}
	}
}

// terminalNavigator tells the user to log in again when the session expires.
type terminalNavigator struct {
	w    io.Writer
	once sync.Once
}

func (n *terminalNavigator) Navigate(path string) {
	n.once.Do(func() {
		log.Debug().Str("path", path).Msg("session expired")
		errorLabel.Fprintf(n.w, "%s\n", fmt.Sprintf("session expired, run `%s login`", binaryName))
	})
}
