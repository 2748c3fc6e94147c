// Package pricing holds the usage rate card. Rates are USD as of
// Q3 2025 and are applied per request by the usage aggregator.
package pricing

// Rates applied to each served agent request.
const (
	// ComputeRatePerMs is charged against wall-clock request latency.
	ComputeRatePerMs = 0.0000002

	// InputTokenRate / OutputTokenRate are charged per token.
	InputTokenRate  = 0.000003
	OutputTokenRate = 0.000015
)

// ComputeCost returns the compute charge for one request.
func ComputeCost(latencyMs float64) float64 {
	if latencyMs < 0 {
		return 0
	}
	return latencyMs * ComputeRatePerMs
}

// TokenCost returns the token charge for one request.
func TokenCost(inputTokens, outputTokens int64) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)*InputTokenRate + float64(outputTokens)*OutputTokenRate
}

// RequestCost returns the combined compute and token charge.
func RequestCost(latencyMs float64, inputTokens, outputTokens int64) (compute, tokens float64) {
	return ComputeCost(latencyMs), TokenCost(inputTokens, outputTokens)
}
