package auth

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Structs

type loggingService struct {
	logger  log.Logger
	service Service
}

// Functions

// NewLoggingService wraps a provided existing
// service with the provided logger.
func NewLoggingService(s Service, logger log.Logger) Service {

	return &loggingService{
		logger:  logger,
		service: s,
	}
}

// InitRequest wraps this service's InitRequest method
// with added logging capabilities.
func (s *loggingService) InitRequest(mech Mech, protocol Protocol, callback Callback, context interface{}) (*Request, error) {

	req, err := s.service.InitRequest(mech, protocol, callback, context)

	logger := log.With(s.logger,
		"method", "InitRequest",
		"mech", mech.String(),
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to route auth request to a worker", "err", err)
	} else {
		level.Debug(logger).Log("id", req.ID(), "worker", req.Connection().Path())
	}

	return req, err
}

// ContinueRequest wraps this service's ContinueRequest
// method with added logging capabilities.
func (s *loggingService) ContinueRequest(req *Request, data []byte) error {

	err := s.service.ContinueRequest(req, data)

	logger := log.With(s.logger,
		"method", "ContinueRequest",
		"id", req.ID(),
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to forward continued auth request", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

// AbortRequest wraps this service's AbortRequest method
// with added logging capabilities.
func (s *loggingService) AbortRequest(req *Request) {

	s.service.AbortRequest(req)

	if req != nil {
		level.Debug(s.logger).Log(
			"method", "AbortRequest",
			"id", req.ID(),
		)
	}
}

// IsConnected passes through to this service's
// IsConnected method without logging.
func (s *loggingService) IsConnected() bool {
	return s.service.IsConnected()
}

// AvailableMechs passes through to this service's
// AvailableMechs method without logging.
func (s *loggingService) AvailableMechs() Mech {
	return s.service.AvailableMechs()
}

// Close passes through to this service's Close
// method without logging.
func (s *loggingService) Close() {
	s.service.Close()
}
