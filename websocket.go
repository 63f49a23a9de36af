package main

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"file-manager/drive"
	"file-manager/identity"
	"file-manager/tree"
)

const wsChunkSize = 10

// WSRequest asks for the full content of one folder, by path or by id.
type WSRequest struct {
	RequestID  int    `json:"requestId"`
	Path       string `json:"path"`
	Folder     uint64 `json:"folder"`
	Search     string `json:"search"`
	Favourites bool   `json:"favourites"`
}

// WSMessage carries up to ten items of a listing. A message with no items
// ends the answer to RequestID.
type WSMessage struct {
	RequestID int         `json:"requestId"`
	Items     []tree.Node `json:"items"`
	Error     string      `json:"error,omitempty"`
}

func (s *server) handleWebSocket(c *websocket.Conn) {
	defer c.Close()

	user, ok := c.Locals("user").(*identity.User)
	if !ok {
		return
	}
	log := s.log.With(zap.Uint64("user", user.ID))
	log.Debug("websocket connected")

	// Listen for folder requests from client
	for {
		var req WSRequest
		if err := c.ReadJSON(&req); err != nil {
			log.Debug("websocket closed", zap.Error(err))
			return
		}

		send := func(msg WSMessage) error { return c.WriteJSON(msg) }
		if err := s.streamFolder(context.Background(), user.ID, req, send); err != nil {
			log.Warn("failed to stream listing", zap.Int("request", req.RequestID), zap.Error(err))
			return
		}
	}
}

// streamFolder walks every page of the requested folder and sends the items
// in chunks, followed by an empty completion message. Listing errors are
// reported to the client in the completion message.
func (s *server) streamFolder(ctx context.Context, owner uint64, req WSRequest, send func(WSMessage) error) error {
	opts := drive.ListOptions{Search: req.Search, FavouritesOnly: req.Favourites}
	for page := 1; ; page++ {
		opts.Page = page
		var listing *drive.Listing
		var err error
		if req.Path != "" {
			listing, err = s.svc.List(ctx, owner, req.Path, opts)
		} else {
			listing, err = s.svc.ListFolder(ctx, owner, req.Folder, opts)
		}
		if err != nil {
			return send(WSMessage{RequestID: req.RequestID, Items: []tree.Node{}, Error: err.Error()})
		}

		items := listing.Files.Items
		for i := 0; i < len(items); i += wsChunkSize {
			end := min(i+wsChunkSize, len(items))
			if err := send(WSMessage{RequestID: req.RequestID, Items: items[i:end]}); err != nil {
				return err
			}
		}
		if !listing.Files.HasMore() {
			break
		}
	}

	// Send empty array wrapped with requestId to indicate completion
	return send(WSMessage{RequestID: req.RequestID, Items: []tree.Node{}})
}
