// Package matrix wraps the mautrix client with what marky needs: joining
// learning rooms, receiving text and file messages, sending replies, and
// downloading uploaded documents for bulk feeding.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// LearningRooms are the room IDs marky joins and learns from. When
	// empty, every room the account is already in is accepted.
	LearningRooms []string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and room history is replayed, and re-learned, on every
	// restart, which doubles edge weights. Always set it in production.
	DB *sql.DB
}

// Client wraps the Matrix client.
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler
}

// MessageHandler processes incoming Matrix messages.
type MessageHandler func(ctx context.Context, evt *event.Event)

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, history will replay (and re-learn) on restart")
	}

	return c, nil
}

// Start joins the learning rooms and begins syncing with the homeserver.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.LearningRooms {
		if err := c.joinRoom(id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join learning room %s: %w", roomID, err)
		}
	}

	// Sync in the background with exponential back-off reconnection; a
	// transient homeserver error must not leave the bot deaf.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil, which only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendMessage sends a text message to a room.
func (c *Client) SendMessage(roomID, message string) error {
	_, err := c.client.SendText(context.Background(), id.RoomID(roomID), message)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReplyToMessage sends a reply to a specific message.
func (c *Client) ReplyToMessage(roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(eventID),
			},
		},
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// DownloadBytes fetches the content behind an mxc:// URI, used by the
// feeder to pull uploaded documents.
func (c *Client) DownloadBytes(ctx context.Context, uri string) ([]byte, error) {
	contentURI, err := id.ParseContentURI(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid content URI %q: %w", uri, err)
	}
	data, err := c.client.DownloadBytes(ctx, contentURI)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	return data, nil
}

// IsReplyToMe reports whether evt is an in-reply-to response to one of the
// bot's own messages. Requires a round-trip to the homeserver to resolve
// the replied-to event's sender.
func (c *Client) IsReplyToMe(ctx context.Context, evt *event.Event) bool {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.RelatesTo == nil {
		return false
	}
	replyTo := msgContent.RelatesTo.GetReplyTo()
	if replyTo == "" {
		return false
	}
	target, err := c.client.GetEvent(ctx, evt.RoomID, replyTo)
	if err != nil {
		slog.Warn("could not resolve replied-to event", "event", replyTo, "err", err)
		return false
	}
	return target.Sender == id.UserID(c.config.UserID)
}

// IsLearningRoom reports whether marky learns from (and talks in) a room.
// An empty room list means every joined room counts.
func (c *Client) IsLearningRoom(roomID string) bool {
	if len(c.config.LearningRooms) == 0 {
		return true
	}
	for _, room := range c.config.LearningRooms {
		if room == roomID {
			return true
		}
	}
	return false
}

// GetUserID returns the client's user ID.
func (c *Client) GetUserID() string {
	return c.config.UserID
}

// handleMessage filters incoming events before handing them to the app:
// own messages and non-learning rooms are dropped here, message-type
// decisions (text vs file) belong to the app.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}
	switch msgContent.MsgType {
	case event.MsgText, event.MsgFile:
	default:
		return
	}

	if !c.IsLearningRoom(evt.RoomID.String()) {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room. Use mautrix's typed error check instead of
		// string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
