package client

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/photoaiproxy/api/internal/config"
)

// NewFirebaseApp initialises the Admin SDK app shared by messaging and auth.
func NewFirebaseApp(ctx context.Context, cfg *config.FirebaseConfig) (*firebase.App, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	return app, nil
}

// PushMessage is a notification addressed to one device token.
type PushMessage struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// FCMClient delivers push notifications through Firebase Cloud Messaging.
type FCMClient struct {
	client *messaging.Client
}

func NewFCMClient(ctx context.Context, app *firebase.App) (*FCMClient, error) {
	c, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase messaging client: %w", err)
	}
	return &FCMClient{client: c}, nil
}

// Send delivers msg and returns the FCM message id.
func (c *FCMClient) Send(ctx context.Context, msg PushMessage) (string, error) {
	id, err := c.client.Send(ctx, &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	})
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return "", fmt.Errorf("device token rejected: %w", err)
		}
		return "", fmt.Errorf("fcm send: %w", err)
	}
	return id, nil
}
