package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ProviderRequests  *prometheus.CounterVec
	ProviderFailures  *prometheus.CounterVec
	SessionsCreated   prometheus.Counter
	MessagesPersisted prometheus.Counter
	PersistEnqueued   prometheus.Counter
	PersistFailed     prometheus.Counter
	TelegramUpdates   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codemate",
				Name:      "provider_requests_total",
				Help:      "Total chat-completion calls issued, by provider",
			}, []string{"provider"}),
			ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codemate",
				Name:      "provider_failures_total",
				Help:      "Total failed chat-completion calls, by provider and failure code",
			}, []string{"provider", "code"}),
			SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codemate",
				Name:      "sessions_created_total",
				Help:      "Total chat sessions created",
			}),
			MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codemate",
				Name:      "messages_persisted_total",
				Help:      "Total chat messages written to the session store",
			}),
			PersistEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codemate",
				Name:      "persist_jobs_enqueued_total",
				Help:      "Total persistence jobs enqueued to redis stream",
			}),
			PersistFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codemate",
				Name:      "persist_jobs_failed_total",
				Help:      "Total persistence jobs failed during processing",
			}),
			TelegramUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codemate",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(
			global.ProviderRequests,
			global.ProviderFailures,
			global.SessionsCreated,
			global.MessagesPersisted,
			global.PersistEnqueued,
			global.PersistFailed,
			global.TelegramUpdates,
		)
	})
	return global
}
