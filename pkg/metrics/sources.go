package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tataru-assistant/tataru/pkg/batch"
	"github.com/tataru-assistant/tataru/pkg/cache"
	"github.com/tataru-assistant/tataru/pkg/inflight"
)

// CacheSource reports cache statistics
type CacheSource interface {
	Stats() cache.Stats
}

// EngineBatchSource reports engine batching statistics
type EngineBatchSource interface {
	Stats() batch.EngineStats
}

// DialogueBatchSource reports dialogue batching statistics
type DialogueBatchSource interface {
	Stats() batch.DialogueStats
}

// InflightSource reports deduplication statistics
type InflightSource interface {
	Stats() inflight.Stats
}

// RegisterCache exposes cache statistics, read at scrape time
func (p *PrometheusCollector) RegisterCache(src CacheSource) error {
	counter := func(name, help string, get func(cache.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("cache", name, help)), func() float64 {
			return float64(get(src.Stats()))
		})
	}
	gauge := func(name, help string, get func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts(p.opts("cache", name, help)), func() float64 {
			return get(src.Stats())
		})
	}

	return p.register(
		counter("hits_total", "Total number of cache hits", func(s cache.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Total number of cache misses", func(s cache.Stats) uint64 { return s.Misses }),
		counter("evictions_total", "Total number of main tier evictions", func(s cache.Stats) uint64 { return s.Evictions }),
		counter("session_hits_total", "Total number of session tier hits", func(s cache.Stats) uint64 { return s.SessionHits }),
		counter("promotions_total", "Total number of promotions to the session tier", func(s cache.Stats) uint64 { return s.Promotions }),
		counter("demotions_total", "Total number of demotions from the session tier", func(s cache.Stats) uint64 { return s.Demotions }),
		gauge("entries", "Entries in the main tier", func(s cache.Stats) float64 { return float64(s.Size) }),
		gauge("session_entries", "Entries in the session tier", func(s cache.Stats) float64 { return float64(s.SessionSize) }),
		gauge("usage_ratio", "Main tier size over capacity", func(s cache.Stats) float64 { return s.Usage }),
	)
}

// RegisterEngineBatcher exposes engine batching statistics
func (p *PrometheusCollector) RegisterEngineBatcher(src EngineBatchSource) error {
	return p.register(
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("batch", "engine_flushes_total", "Total number of combined engine calls")), func() float64 {
			return float64(src.Stats().Batches)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("batch", "engine_saved_calls_total", "Engine calls avoided by batching")), func() float64 {
			return float64(src.Stats().SavedCalls())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("batch", "engine_mismatches_total", "Combined results that did not split evenly")), func() float64 {
			return float64(src.Stats().Mismatches)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts(p.opts("batch", "engine_pending", "Requests waiting for a batch flush")), func() float64 {
			return float64(src.Stats().Pending)
		}),
	)
}

// RegisterDialogueBatcher exposes dialogue batching statistics
func (p *PrometheusCollector) RegisterDialogueBatcher(src DialogueBatchSource) error {
	return p.register(
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("batch", "dialogue_lines_total", "Total number of batched dialogue lines")), func() float64 {
			return float64(src.Stats().TotalLines)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("batch", "dialogue_flushes_total", "Total number of dialogue groups processed")), func() float64 {
			return float64(src.Stats().TotalBatches)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("batch", "dialogue_saved_calls_total", "Translate calls avoided by dialogue batching")), func() float64 {
			return float64(src.Stats().SavedCalls)
		}),
	)
}

// RegisterInflight exposes deduplication statistics
func (p *PrometheusCollector) RegisterInflight(src InflightSource) error {
	return p.register(
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("dedup", "executions_total", "Translations actually computed")), func() float64 {
			return float64(src.Stats().Executions)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts(p.opts("dedup", "joins_total", "Callers served by an in-flight translation")), func() float64 {
			return float64(src.Stats().Joins)
		}),
	)
}

func (p *PrometheusCollector) register(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
