package main

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PlumeMetrics struct {
	Auth *AuthMetrics
}

type AuthMetrics struct {
	Requests metrics.Counter
	Failures metrics.Counter
	Aborts   metrics.Counter
}

func NewPlumeMetrics(prometheusAddr string) *PlumeMetrics {

	m := &PlumeMetrics{}

	if prometheusAddr == "" {
		m.Auth = &AuthMetrics{
			Requests: discard.NewCounter(),
			Failures: discard.NewCounter(),
			Aborts:   discard.NewCounter(),
		}
	} else {
		m.Auth = &AuthMetrics{
			Requests: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "plume",
				Subsystem: "auth",
				Name:      "requests_total",
				Help:      "Number of auth requests routed to a worker",
			}, nil),
			Failures: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "plume",
				Subsystem: "auth",
				Name:      "request_failures_total",
				Help:      "Number of auth requests that could not be routed",
			}, nil),
			Aborts: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "plume",
				Subsystem: "auth",
				Name:      "request_aborts_total",
				Help:      "Number of auth requests aborted by their caller",
			}, nil),
		}
	}

	return m
}

func runPromHTTP(logger log.Logger, addr string) {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
	}
}
