package client

import (
	"context"

	"github.com/menta2k/mask-annotator/pkg/types"
)

// PredictionClient asks the segmentation service for mask contours given the
// full point/label history of a session.
type PredictionClient interface {
	Predict(ctx context.Context, req types.PredictRequest) (*types.PredictResponse, error)
}

// SessionClient manages service-side image sessions
type SessionClient interface {
	PredictionClient
	CreateSession(ctx context.Context, filename string, data []byte) (*types.SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// VisionClient talks to a vision language model
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	DescribeImage(ctx context.Context, model, prompt, imgB64 string) (*types.Description, error)
}
