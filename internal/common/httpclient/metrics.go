package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK           = "ok"
	outcomeTransport    = "transport"
	outcomeApplication  = "application"
	outcomeUnauthorized = "unauthorized"
	outcomeNetwork      = "network"
	outcomeDecode       = "decode"
	outcomeInvalid      = "invalid"
)

func newRequestCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_client_requests_total",
		Help: "Requests sent by the console client, by outcome.",
	}, []string{"outcome"})
	if err := reg.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return cv
}

func (c *HTTPClient) count(outcome string) {
	if c.requests != nil {
		c.requests.WithLabelValues(outcome).Inc()
	}
}
