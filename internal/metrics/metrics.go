package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steer_forward_tokens_total",
		Help: "Total number of token positions evaluated by forward passes",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "steer_forward_duration_seconds",
		Help: "Duration of batched forward passes",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steer_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steer_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "steer_context_length_tokens",
		Help:    "Distribution of padded batch lengths processed",
		Buckets: []float64{16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steer_batches_total",
		Help: "Total number of likelihood batches scored",
	}, []string{"condition"})

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steer_batch_duration_seconds",
		Help:    "Time to score one likelihood batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"condition"})

	ExamplesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steer_examples_scored_total",
		Help: "Total number of examples given a mean continuation log-probability",
	}, []string{"condition"})

	SteeringActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "steer_injector_active",
		Help: "Number of steering interventions currently installed",
	})

	SteeringActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steer_injector_activations_total",
		Help: "Total number of steering interventions installed",
	}, []string{"layer"})

	WindowScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steer_window_score",
		Help: "Last computed steering effect per quartile window",
	}, []string{"window", "side"})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "steer_tokenizer_encode_length",
		Help:    "Distribution of encoded token sequence lengths",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steer_tokenizer_unknown_tokens_total",
		Help: "Total number of characters that fell back to the unknown token",
	})

	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steer_records_written_total",
		Help: "Total number of likelihood values persisted",
	}, []string{"sink"})
)

func RecordForward(tokens int, duration time.Duration) {
	ForwardTokensTotal.Add(float64(tokens))
	ForwardDuration.Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordBatch records one scored batch of size examples.
func RecordBatch(condition string, size int, duration time.Duration) {
	BatchesTotal.WithLabelValues(condition).Inc()
	BatchDuration.WithLabelValues(condition).Observe(duration.Seconds())
	ExamplesScored.WithLabelValues(condition).Add(float64(size))
}

func RecordSteeringActivated(layer int) {
	SteeringActive.Inc()
	SteeringActivations.WithLabelValues(strconv.Itoa(layer)).Inc()
}

func RecordSteeringDeactivated() {
	SteeringActive.Dec()
}

// RecordWindowScores publishes the four quartile window means of one score.
func RecordWindowScores(matching, mismatching [4]float64) {
	for i := range matching {
		w := fmt.Sprintf("q%d", i+1)
		WindowScore.WithLabelValues(w, "matching").Set(matching[i])
		WindowScore.WithLabelValues(w, "mismatching").Set(mismatching[i])
	}
}

func RecordTokenizerEncode(length int, unknownCount int) {
	TokenizerEncodeLength.Observe(float64(length))
	if unknownCount > 0 {
		TokenizerUnknownTokens.Add(float64(unknownCount))
	}
}

func RecordRecordsWritten(sink string, n int) {
	RecordsWritten.WithLabelValues(sink).Add(float64(n))
}
