package command

import (
	"context"
	"errors"
)

// ProbeResult is the outcome of a single network inventory probe.
type ProbeResult struct {
	Success bool           `json:"success"`
	Status  string         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Credentials carries whatever a probe adapter needs to authenticate against
// a target — shape varies by adapter, so callers pass a loosely-typed map.
type Credentials map[string]any

// ProbeFunc is the contract every probe adapter implements: given a target
// and optional credentials, return a ProbeResult. Adapters are injected as a
// struct of functions (Adapters) rather than resolved through a global
// registry, so swapping an adapter for a test fake never requires touching
// this package.
type ProbeFunc func(ctx context.Context, target string, creds Credentials) (ProbeResult, error)

// Adapters bundles the probe implementations the dispatcher's built-in
// network-inventory actions call out to. None are implemented here — the
// concrete WMI/SSH/SNMP/port/DNS scanning logic lives outside the delivery
// fabric and is wired in by whoever assembles the agent binary. The zero
// value of Adapters is usable: every unset field falls back to
// notImplemented.
type Adapters struct {
	PortScan  ProbeFunc
	DNSLookup ProbeFunc
	WMIProbe  ProbeFunc
	SSHProbe  ProbeFunc
	SNMPProbe ProbeFunc
}

var errProbeNotImplemented = errors.New("probe adapter not implemented")

func notImplemented(context.Context, string, Credentials) (ProbeResult, error) {
	return ProbeResult{Success: false, Status: "error", Error: errProbeNotImplemented.Error()}, errProbeNotImplemented
}

func (a Adapters) resolve(f ProbeFunc) ProbeFunc {
	if f == nil {
		return notImplemented
	}
	return f
}

// RegisterProbes binds the five probe actions onto d, falling back to
// notImplemented for any adapter left unset in a.
func RegisterProbes(d *Dispatcher, a Adapters) {
	bind := func(action string, fn ProbeFunc) {
		fn = a.resolve(fn)
		d.Register(action, func(ctx context.Context, params map[string]any) Result {
			target, _ := params["target"].(string)
			creds, _ := params["credentials"].(map[string]any)

			res, err := fn(ctx, target, Credentials(creds))
			if err != nil {
				return fail(err)
			}
			return ok(res.Data)
		})
	}

	bind("port_scan", a.PortScan)
	bind("dns_resolve", a.DNSLookup)
	bind("wmi_probe", a.WMIProbe)
	bind("ssh_probe", a.SSHProbe)
	bind("snmp_probe", a.SNMPProbe)
}
