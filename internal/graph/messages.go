package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// Message is the metadata slice of a provider message. Bodies are never
// fetched beyond the short preview the provider includes.
type Message struct {
	ID             string `json:"id"`
	Subject        string `json:"subject"`
	BodyPreview    string `json:"bodyPreview"`
	ParentFolderID string `json:"parentFolderId"`
	IsRead         bool   `json:"isRead"`
	From           struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	Categories []string `json:"categories"`
}

// Sender returns the sender address, empty when the provider omitted it
func (m *Message) Sender() string {
	return m.From.EmailAddress.Address
}

const messageSelect = "id,subject,bodyPreview,parentFolderId,isRead,from,categories"

// GetMessage fetches message metadata (never the body)
func (c *Client) GetMessage(ctx context.Context, mailboxID, messageID string) (*Message, error) {
	path := fmt.Sprintf("/me/messages/%s?$select=%s", url.PathEscape(messageID), messageSelect)

	var msg Message
	if err := c.do(ctx, mailboxID, http.MethodGet, path, nil, &msg); err != nil {
		return nil, err
	}

	return &msg, nil
}

// MoveMessage moves a message to a destination folder. The provider assigns
// the moved copy a new ID, which is returned.
func (c *Client) MoveMessage(ctx context.Context, mailboxID, messageID, destinationFolder string) (string, error) {
	path := fmt.Sprintf("/me/messages/%s/move", url.PathEscape(messageID))
	body := map[string]string{"destinationId": destinationFolder}

	var moved struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, mailboxID, http.MethodPost, path, body, &moved); err != nil {
		return "", err
	}
	if moved.ID == "" {
		moved.ID = messageID
	}

	return moved.ID, nil
}

// DeleteMessage permanently deletes a message
func (c *Client) DeleteMessage(ctx context.Context, mailboxID, messageID string) error {
	path := fmt.Sprintf("/me/messages/%s", url.PathEscape(messageID))
	return c.do(ctx, mailboxID, http.MethodDelete, path, nil, nil)
}

// patchMessage applies a partial update to a message
func (c *Client) patchMessage(ctx context.Context, mailboxID, messageID string, fields map[string]interface{}) error {
	path := fmt.Sprintf("/me/messages/%s", url.PathEscape(messageID))
	return c.do(ctx, mailboxID, http.MethodPatch, path, fields, nil)
}

// ApplyAction applies one rule action to a message and returns the message's
// current ID (moves re-identify the message; everything else keeps it).
func (c *Client) ApplyAction(ctx context.Context, mailboxID, messageID string, action storage.RuleAction) (string, error) {
	switch action.Type {
	case storage.ActionMove:
		return c.MoveMessage(ctx, mailboxID, messageID, action.Folder)
	case storage.ActionArchive:
		return c.MoveMessage(ctx, mailboxID, messageID, "archive")
	case storage.ActionDelete:
		if err := c.DeleteMessage(ctx, mailboxID, messageID); err != nil {
			return messageID, err
		}
		return messageID, nil
	case storage.ActionMarkRead:
		return messageID, c.patchMessage(ctx, mailboxID, messageID, map[string]interface{}{"isRead": true})
	case storage.ActionFlag:
		return messageID, c.patchMessage(ctx, mailboxID, messageID, map[string]interface{}{
			"flag": map[string]string{"flagStatus": "flagged"},
		})
	case storage.ActionCategorize:
		return messageID, c.patchMessage(ctx, mailboxID, messageID, map[string]interface{}{
			"categories": []string{action.Category},
		})
	default:
		return messageID, fmt.Errorf("unknown rule action type %q", action.Type)
	}
}
