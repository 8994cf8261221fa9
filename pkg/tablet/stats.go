package tablet

import (
	"sync/atomic"
	"time"
)

// StatsCollector accumulates tablet counters. Safe for concurrent use.
type StatsCollector struct {
	startTime time.Time

	inserts     atomic.Uint64
	mutates     atomic.Uint64
	deletes     atomic.Uint64
	pointReads  atomic.Uint64
	captures    atomic.Uint64
	walAppends  atomic.Uint64
	flushes     atomic.Uint64
	compactions atomic.Uint64

	flushNanos      atomic.Int64
	compactionNanos atomic.Int64
}

// NewStatsCollector creates a collector with the clock started.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{startTime: time.Now()}
}

func (c *StatsCollector) RecordInsert()    { c.inserts.Add(1) }
func (c *StatsCollector) RecordMutate()    { c.mutates.Add(1) }
func (c *StatsCollector) RecordDelete()    { c.deletes.Add(1) }
func (c *StatsCollector) RecordPointRead() { c.pointReads.Add(1) }
func (c *StatsCollector) RecordCapture()   { c.captures.Add(1) }
func (c *StatsCollector) RecordWALAppend() { c.walAppends.Add(1) }

func (c *StatsCollector) RecordFlush(d time.Duration) {
	c.flushes.Add(1)
	c.flushNanos.Add(int64(d))
}

func (c *StatsCollector) RecordCompaction(d time.Duration) {
	c.compactions.Add(1)
	c.compactionNanos.Add(int64(d))
}

func (c *StatsCollector) recordBatch(inserts, mutates, deletes, walAppends int) {
	c.inserts.Add(uint64(inserts))
	c.mutates.Add(uint64(mutates))
	c.deletes.Add(uint64(deletes))
	c.walAppends.Add(uint64(walAppends))
}

// Stats is a point-in-time view of the tablet's counters and structure.
type Stats struct {
	TabletID string

	Inserts          uint64
	Mutates          uint64
	Deletes          uint64
	PointReads       uint64
	IteratorCaptures uint64
	WALAppends       uint64

	Flushes        uint64
	Compactions    uint64
	FlushTime      time.Duration
	CompactionTime time.Duration

	BufferRows  uint64
	BufferBytes uint64

	BoundedSegments   int
	UnboundedSegments int
	SegmentsBytes     uint64

	DescriptorGen     uint64
	LastFlushedWALSeq uint64

	Role string
	Term uint64

	Uptime time.Duration
}

// Stats returns current tablet statistics.
func (t *tabletImpl) Stats() Stats {
	c := t.stats
	s := Stats{
		TabletID:         t.tabletID,
		Inserts:          c.inserts.Load(),
		Mutates:          c.mutates.Load(),
		Deletes:          c.deletes.Load(),
		PointReads:       c.pointReads.Load(),
		IteratorCaptures: c.captures.Load(),
		WALAppends:       c.walAppends.Load(),
		Flushes:          c.flushes.Load(),
		Compactions:      c.compactions.Load(),
		FlushTime:        time.Duration(c.flushNanos.Load()),
		CompactionTime:   time.Duration(c.compactionNanos.Load()),
		Uptime:           time.Since(c.startTime),
	}

	g := t.lockShared()
	if comps := g.components(); comps != nil {
		s.BufferRows = comps.buffer.RowCount()
		s.BufferBytes = comps.buffer.SizeBytes()
		for _, sh := range comps.view.All() {
			rs := sh.RowSet()
			if _, _, ok := rs.Bounds(); ok {
				s.BoundedSegments++
				s.SegmentsBytes += rs.SizeBytes()
			} else {
				s.UnboundedSegments++
			}
		}
	}
	g.unlock()

	d := t.meta.Current()
	s.DescriptorGen = d.GenID
	s.LastFlushedWALSeq = d.LastFlushedWALSeq

	if t.cmeta != nil {
		role, term := t.cmeta.RoleAndTerm()
		s.Role = role.String()
		s.Term = term
	}
	return s
}
