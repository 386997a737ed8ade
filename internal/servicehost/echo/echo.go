// Package echo is a trivial servicehost.Host that sends back whatever
// it receives, reversed circuit/service direction. It exists only to
// exercise the routing table's get_service path end to end in tests;
// spec.md treats application service logic as opaque, so this is
// deliberately the simplest possible implementation of that contract.
package echo

import (
	"github.com/circuitmesh/circuitd/internal/servicehost"
)

// Service implements servicehost.Host by replying to every inbound
// message with its own payload, addressed back to the sender.
type Service struct {
	ServiceID string
	sender    servicehost.Sender
}

// New constructs an echo Service registered under serviceID, replying
// through sender.
func New(serviceID string, sender servicehost.Sender) *Service {
	return &Service{ServiceID: serviceID, sender: sender}
}

// Inject implements servicehost.Host.
func (s *Service) Inject(msg servicehost.InboundMessage) error {
	return s.sender.Send(msg.CircuitID, s.ServiceID, msg.SenderID, msg.Payload)
}
