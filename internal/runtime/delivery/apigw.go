package delivery

import (
	"context"
	"fmt"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
)

type postClient interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// APIGatewayPusher posts frames to API Gateway websocket connections.
type APIGatewayPusher struct {
	client postClient
}

// NewAPIGatewayPusher wraps a management API client bound to the websocket stage endpoint.
func NewAPIGatewayPusher(client postClient) (*APIGatewayPusher, error) {
	if client == nil {
		return nil, fmt.Errorf("api gateway management client is required")
	}
	return &APIGatewayPusher{client: client}, nil
}

// Push maps GoneException to ErrGone.
func (p *APIGatewayPusher) Push(ctx context.Context, connectionID string, payload []byte) error {
	_, err := p.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	if err == nil {
		return nil
	}
	if awsclient.IsGone(err) {
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	}
	return fmt.Errorf("post to connection %s: %w", connectionID, err)
}
