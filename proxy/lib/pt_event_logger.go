package snowflake_proxy

import (
	"io"
	"log"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/event"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/task"
)

func NewProxyEventLogger(output io.Writer) event.SnowflakeEventReceiver {
	logger := log.New(output, "", log.LstdFlags|log.LUTC)
	return &proxyEventLogger{logger: logger}
}

type proxyEventLogger struct {
	logger *log.Logger
}

func (p *proxyEventLogger) OnNewSnowflakeEvent(e event.SnowflakeEvent) {
	p.logger.Println(e.String())
}

// PeriodicProxyStats accumulates the traffic totals carried on every
// session's EventOnProxyConnectionOver and emits a rollup summary on a
// fixed schedule, in place of the teacher's per-connection bytesLogger:
// sessions already report their final byte counts in that one event, so
// the periodic summary just sums what it has already seen rather than
// polling a second shared counter.
type PeriodicProxyStats struct {
	connectionCount         int
	inboundSum, outboundSum int64
	logPeriod               time.Duration
	task                    *task.Periodic
	dispatcher              event.SnowflakeEventDispatcher
}

// NewPeriodicProxyStats starts emitting an EventOnProxyStats rollup every
// logPeriod; Close stops it.
func NewPeriodicProxyStats(logPeriod time.Duration, dispatcher event.SnowflakeEventDispatcher) *PeriodicProxyStats {
	el := &PeriodicProxyStats{logPeriod: logPeriod, dispatcher: dispatcher}
	el.task = &task.Periodic{Interval: logPeriod, Execute: el.logTick}
	el.task.WaitThenStart()
	return el
}

func (p *PeriodicProxyStats) OnNewSnowflakeEvent(e event.SnowflakeEvent) {
	switch e := e.(type) {
	case event.EventOnProxyConnectionOver:
		p.connectionCount++
		p.inboundSum += e.InboundTraffic
		p.outboundSum += e.OutboundTraffic
	}
}

func (p *PeriodicProxyStats) logTick() error {
	inbound, inboundUnit := formatTraffic(p.inboundSum)
	outbound, outboundUnit := formatTraffic(p.outboundSum)
	p.dispatcher.OnNewSnowflakeEvent(event.EventOnProxyStats{
		ConnectionCount: p.connectionCount,
		InboundBytes:    inbound,
		OutboundBytes:   outbound,
		InboundUnit:     inboundUnit,
		OutboundUnit:    outboundUnit,
		SummaryInterval: p.logPeriod,
	})
	p.connectionCount = 0
	p.inboundSum = 0
	p.outboundSum = 0
	return nil
}

func (p *PeriodicProxyStats) Close() error {
	return p.task.Close()
}

func formatTraffic(amount int64) (value int64, unit string) { return amount / 1000, "KB" }
