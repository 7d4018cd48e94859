package usecase

import "context"

// MetricsSummary represents aggregated identification insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	MatchedRequests            int64   `json:"matched_requests"`
	MatchRate                  float64 `json:"match_rate"`
	AverageDistance            float64 `json:"average_distance"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates identification metrics from persisted logs.
func (uc *CardUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryUnavailable
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		MatchedRequests:            aggregation.MatchedCount,
		AverageDistance:            aggregation.AverageDistance,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
