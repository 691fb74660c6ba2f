// Copyright (C) 2021 Anshorei. All Rights Reserved.

package zeroproto

import "expvar"

// A metricSet records connection activity counters.
type metricSet struct {
	frameRecv   expvar.Int
	frameSent   expvar.Int
	callIn      expvar.Int // number of inbound calls received
	callInErr   expvar.Int // number of inbound calls reporting an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	callActive  expvar.Int // inbound calls currently executing
	callPending expvar.Int // outbound calls awaiting responses
	anomaly     expvar.Int // orphan responses and duplicate request ids

	emap *expvar.Map
}

var connMetrics = newMetricSet()

func newMetricSet() *metricSet {
	ms := &metricSet{emap: new(expvar.Map)}
	ms.emap.Set("frames_received", &ms.frameRecv)
	ms.emap.Set("frames_sent", &ms.frameSent)
	ms.emap.Set("calls_in", &ms.callIn)
	ms.emap.Set("calls_in_failed", &ms.callInErr)
	ms.emap.Set("calls_out", &ms.callOut)
	ms.emap.Set("calls_out_failed", &ms.callOutErr)
	ms.emap.Set("calls_active", &ms.callActive)
	ms.emap.Set("calls_pending", &ms.callPending)
	ms.emap.Set("correlation_anomalies", &ms.anomaly)
	return ms
}
