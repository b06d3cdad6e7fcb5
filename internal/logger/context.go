package logger

import "context"

type contextKey string

const (
	resultIDKey     contextKey = "result_id"
	predictionIDKey contextKey = "prediction_id"
)

// ContextWithResultID tags ctx so log lines written with it carry result_id
func ContextWithResultID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, resultIDKey, id)
}

// ResultIDFromContext returns the result id stored in ctx, or ""
func ResultIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(resultIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithPredictionID tags ctx so log lines written with it carry prediction_id
func ContextWithPredictionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, predictionIDKey, id)
}

// PredictionIDFromContext returns the prediction id stored in ctx, or ""
func PredictionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(predictionIDKey).(string); ok {
		return id
	}
	return ""
}
