package manager

import (
	"tunrelay/internal/engine"
)

// EngineAdapter satisfies EngineView by translating engine.SessionInfo
// (which carries netip-typed fields and the proto/version enums defined in
// classify) into the JSON-friendly SessionView shape.
type EngineAdapter struct {
	Engine *engine.Engine
}

// Snapshot implements EngineView.
func (a EngineAdapter) Snapshot() []SessionView {
	infos := a.Engine.Snapshot()
	out := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionView{
			Version:   uint8(info.Key.Version),
			Proto:     uint8(info.Key.Proto),
			SrcAddr:   info.Key.SrcAddr.String(),
			SrcPort:   info.Key.SrcPort,
			DstAddr:   info.Key.DstAddr.String(),
			DstPort:   info.Key.DstPort,
			Token:     uint64(info.Token),
			Age:       info.Age,
			HasExpiry: info.HasExpiry,
			ExpiresIn: info.ExpiresIn,
		})
	}
	return out
}
