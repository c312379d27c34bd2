package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/flowfw/pkg/stats"
)

// flowfwCollector implements prometheus.Collector, reading the engine
// counters on each scrape.
type flowfwCollector struct {
	srv *Server

	// Engine counters, indexed by stats.Counter
	counters [stats.NumCounters]*prometheus.Desc

	connsActive    *prometheus.Desc
	natEntries     *prometheus.Desc
	tableEntries   *prometheus.Desc
	snapshotLoaded *prometheus.Desc
	queuePackets   *prometheus.Desc
}

func newCollector(srv *Server) *flowfwCollector {
	c := &flowfwCollector{
		srv: srv,

		connsActive: prometheus.NewDesc(
			"flowfw_conns_active",
			"Number of tracked connections.",
			nil, nil,
		),
		natEntries: prometheus.NewDesc(
			"flowfw_nat_entries",
			"Live translation entries per NAT policy.",
			[]string{"policy", "type"}, nil,
		),
		tableEntries: prometheus.NewDesc(
			"flowfw_table_entries",
			"Number of entries per table.",
			[]string{"table", "type"}, nil,
		),
		snapshotLoaded: prometheus.NewDesc(
			"flowfw_config_loaded_timestamp_seconds",
			"Time the active configuration was loaded.",
			[]string{"id"}, nil,
		),
		queuePackets: prometheus.NewDesc(
			"flowfw_queue_packets_total",
			"Packets seen on a packet queue.",
			[]string{"queue", "direction", "result"}, nil,
		),
	}
	for _, ctr := range stats.Counters() {
		c.counters[ctr] = prometheus.NewDesc(
			"flowfw_"+ctr.String()+"_total",
			"Engine counter "+ctr.String()+".",
			nil, nil,
		)
	}
	return c
}

func (c *flowfwCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	ch <- c.connsActive
	ch <- c.natEntries
	ch <- c.tableEntries
	ch <- c.snapshotLoaded
	ch <- c.queuePackets
}

func (c *flowfwCollector) Collect(ch chan<- prometheus.Metric) {
	eng := c.srv.engine
	if eng == nil {
		return
	}

	snap := eng.Stats().Snapshot()
	for i, v := range snap {
		ch <- prometheus.MustNewConstMetric(c.counters[i], prometheus.CounterValue, float64(v))
	}

	ch <- prometheus.MustNewConstMetric(c.connsActive, prometheus.GaugeValue, float64(eng.ConnCount()))

	cur := eng.Current()
	ch <- prometheus.MustNewConstMetric(c.snapshotLoaded, prometheus.GaugeValue,
		float64(cur.LoadedAt.UnixNano())/1e9, cur.ID.String())

	for _, p := range cur.NAT.Policies() {
		ch <- prometheus.MustNewConstMetric(c.natEntries, prometheus.GaugeValue,
			float64(p.Len()), strconv.FormatUint(uint64(p.ID()), 10), p.Type().String())
	}
	for _, t := range cur.Tables.Tables() {
		ch <- prometheus.MustNewConstMetric(c.tableEntries, prometheus.GaugeValue,
			float64(t.Len()), t.Name(), t.Type().String())
	}

	c.collectQueues(ch)
}

func (c *flowfwCollector) collectQueues(ch chan<- prometheus.Metric) {
	if c.srv.queues == nil {
		return
	}
	for _, q := range c.srv.queues() {
		num := strconv.Itoa(int(q.Num))
		ch <- prometheus.MustNewConstMetric(c.queuePackets, prometheus.CounterValue,
			float64(q.Received), num, q.Direction, "received")
		ch <- prometheus.MustNewConstMetric(c.queuePackets, prometheus.CounterValue,
			float64(q.Dropped), num, q.Direction, "dropped")
		ch <- prometheus.MustNewConstMetric(c.queuePackets, prometheus.CounterValue,
			float64(q.Errors), num, q.Direction, "error")
	}
}
