package basichost

import (
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/protocol"
	"github.com/meshward/go-p2pnode/p2p/net/registrar"
)

// registrarSwitch adapts a *registrar.Registrar to core/protocol.Switch, the
// type Host.Mux() is required to return. The two disagree on vocabulary
// (Switch speaks in terms of a single HandlerFunc returning (bool, error);
// the Registrar speaks in terms of network.StreamHandler plus admission
// options) so this just picks the Registrar's defaults and discards the
// return values HandlerFunc offers but StreamHandler has no room for.
type registrarSwitch struct {
	reg *registrar.Registrar
}

func newRegistrarSwitch(reg *registrar.Registrar) *registrarSwitch {
	return &registrarSwitch{reg: reg}
}

func (m *registrarSwitch) AddHandler(id protocol.ID, handler protocol.HandlerFunc) {
	m.reg.Handle(id, func(s network.Stream) {
		_, _ = handler(id, s)
	}, registrar.DefaultHandlerOptions())
}

func (m *registrarSwitch) AddHandlerWithFunc(id protocol.ID, match func(protocol.ID) bool, handler protocol.HandlerFunc) {
	m.reg.HandleMatch(id, match, func(s network.Stream) {
		_, _ = handler(s.Protocol(), s)
	}, registrar.DefaultHandlerOptions())
}

func (m *registrarSwitch) RemoveHandler(id protocol.ID) {
	m.reg.Unhandle(id)
}

func (m *registrarSwitch) Protocols() []protocol.ID {
	return m.reg.GetProtocols()
}

var _ protocol.Switch = (*registrarSwitch)(nil)
