// Package matrix is the small slice of a Matrix client coffre needs: posting
// notices to the admin audit room.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// sendTimeout bounds every outgoing request so audit notices never stall
// the grant or workflow call that produced them.
const sendTimeout = 10 * time.Second

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Client wraps the Matrix client
type Client struct {
	client *mautrix.Client
	config Config
}

// New creates a new Matrix client
func New(config Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Client{client: client, config: config}, nil
}

// JoinRoom joins roomID. Being already a member is not an error.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err := c.client.JoinRoomByID(ctx, id.RoomID(roomID))
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages)
func (c *Client) SendNotice(roomID, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// UserID returns the client's user ID
func (c *Client) UserID() string {
	return c.config.UserID
}
