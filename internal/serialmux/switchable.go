package serialmux

import (
	"context"
	"net/http"
)

// Switchable forwards to whichever link current returns at call time, so
// routes and subscribers attached at startup follow a link that is opened,
// reopened or closed later. With no link it acts as a DisabledSerialMux
// whose SendCommand reports ErrDisabled.
//
// The owner of the underlying links opens and closes them; Close only
// releases subscribers waiting on the disabled fallback.
type Switchable struct {
	current  func() SerialMuxInterface
	disabled *DisabledSerialMux
}

// NewSwitchable returns a mux that resolves its link with current. current
// must be safe for concurrent use and may return nil.
func NewSwitchable(current func() SerialMuxInterface) *Switchable {
	return &Switchable{current: current, disabled: NewDisabledSerialMux()}
}

func (s *Switchable) link() (SerialMuxInterface, bool) {
	if l := s.current(); l != nil {
		return l, true
	}
	return s.disabled, false
}

func (s *Switchable) Subscribe() (string, chan string) {
	l, _ := s.link()
	return l.Subscribe()
}

// Unsubscribe is sent to the current link and the fallback; ids unknown to
// either are ignored.
func (s *Switchable) Unsubscribe(id string) {
	if l := s.current(); l != nil {
		l.Unsubscribe(id)
	}
	s.disabled.Unsubscribe(id)
}

func (s *Switchable) SendCommand(command string) error {
	l, ok := s.link()
	if !ok {
		return ErrDisabled
	}
	return l.SendCommand(command)
}

func (s *Switchable) Query(ctx context.Context, command string) (string, error) {
	l, _ := s.link()
	return l.Query(ctx, command)
}

// Monitor blocks until ctx is done; each underlying link runs its own.
func (s *Switchable) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *Switchable) Close() error { return s.disabled.Close() }

func (s *Switchable) AttachAdminRoutes(mux *http.ServeMux) {
	attachConsole(mux, s)
}
