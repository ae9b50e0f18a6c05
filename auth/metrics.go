package auth

import (
	"github.com/go-kit/kit/metrics"
)

type metricsService struct {
	service  Service
	requests metrics.Counter
	failures metrics.Counter
	aborts   metrics.Counter
}

func NewMetricsService(s Service, requests metrics.Counter, failures metrics.Counter, aborts metrics.Counter) Service {
	return &metricsService{
		service:  s,
		requests: requests,
		failures: failures,
		aborts:   aborts,
	}
}

func (s *metricsService) InitRequest(mech Mech, protocol Protocol, callback Callback, context interface{}) (*Request, error) {

	req, err := s.service.InitRequest(mech, protocol, callback, context)

	if err != nil {
		s.failures.Add(1)
	} else {
		s.requests.Add(1)
	}

	return req, err
}

func (s *metricsService) ContinueRequest(req *Request, data []byte) error {
	return s.service.ContinueRequest(req, data)
}

func (s *metricsService) AbortRequest(req *Request) {

	s.service.AbortRequest(req)
	s.aborts.Add(1)
}

func (s *metricsService) IsConnected() bool {
	return s.service.IsConnected()
}

func (s *metricsService) AvailableMechs() Mech {
	return s.service.AvailableMechs()
}

func (s *metricsService) Close() {
	s.service.Close()
}
