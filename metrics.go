package htcp

import "expvar"

// coreMetrics record connection and dispatch activity counters.
type coreMetricSet struct {
	connAccepted  expvar.Int // connections admitted by the server
	connRefused   expvar.Int // connections refused at the open ceiling
	connActive    expvar.Int // currently open admitted connections
	handshakeFail expvar.Int // failed key exchanges
	authFail      expvar.Int // failed passkey checks

	dispatch           expvar.Int // transactions dispatched
	dispatchErr        expvar.Int // dispatches reporting a handler error
	unknownTransaction expvar.Int // dispatches naming no handler

	packageDropped expvar.Int // client packages with no consumer

	emap *expvar.Map
}

var coreMetrics = newCoreMetrics()

func newCoreMetrics() *coreMetricSet {
	m := &coreMetricSet{emap: new(expvar.Map)}
	m.emap.Set("connections_accepted", &m.connAccepted)
	m.emap.Set("connections_refused", &m.connRefused)
	m.emap.Set("connections_active", &m.connActive)
	m.emap.Set("handshakes_failed", &m.handshakeFail)
	m.emap.Set("auth_failed", &m.authFail)
	m.emap.Set("dispatches", &m.dispatch)
	m.emap.Set("dispatches_failed", &m.dispatchErr)
	m.emap.Set("transactions_unknown", &m.unknownTransaction)
	m.emap.Set("packages_dropped", &m.packageDropped)
	return m
}
