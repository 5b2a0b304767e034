package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"

	"github.com/promoterlink/linkchat/auth"
	"github.com/promoterlink/linkchat/model"
)

const requestTimeout = 15 * time.Second

// HTTPClient implements `Client` against the backend REST API.
type HTTPClient struct {
	BaseURL string
	Creds   auth.Credentials
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string, creds auth.Credentials) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Creds:   creds,
		HTTP:    &http.Client{Timeout: requestTimeout},
	}
}

// rosterEntry is the raw roster payload; normalization into model.Contact
// happens here and nowhere else.
type rosterEntry struct {
	User *struct {
		Id            string `json:"_id"`
		OwnerName     string `json:"ownerName"`
		ProfilePicUrl string `json:"profilePicUrl"`
		IsOnline      bool   `json:"isOnline"`
	} `json:"user"`
	UnreadCount        int        `json:"unreadCount"`
	ConversationExpiry *time.Time `json:"conversationExpiry"`
}

func (c *HTTPClient) FetchRoster(ctx context.Context, userId string) ([]*model.Contact, error) {
	var resp struct {
		Collections []rosterEntry `json:"collections"`
	}
	if err := c.get(ctx, "/api/collection/users/"+url.PathEscape(userId), &resp); err != nil {
		return nil, err
	}

	out := make([]*model.Contact, 0, len(resp.Collections))
	for _, e := range resp.Collections {
		if e.User == nil || e.User.Id == "" {
			glog.V(5).Info("rest: roster entry without user, skipped")
			continue
		}
		out = append(out, &model.Contact{
			UserId:             e.User.Id,
			DisplayName:        e.User.OwnerName,
			ProfilePicUrl:      e.User.ProfilePicUrl,
			IsOnline:           e.User.IsOnline,
			HasUnread:          e.UnreadCount > 0,
			ConversationExpiry: e.ConversationExpiry,
		})
	}
	return out, nil
}

func (c *HTTPClient) FetchConversation(ctx context.Context, userId, peerId string) ([]*model.Message, error) {
	var resp struct {
		Conversation []*model.Message `json:"conversation"`
	}
	path := "/api/messages/conversation/" + url.PathEscape(userId) + "/" + url.PathEscape(peerId)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, model.Errorf(model.ErrHistoryLoad, "%v", err)
	}
	for _, msg := range resp.Conversation {
		if msg.Delivery == "" {
			msg.Delivery = model.DeliverySent
		}
		if msg.Read == "" {
			msg.Read = model.StateUnread
		}
	}
	return resp.Conversation, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, senderId, receiverId string) error {
	body := map[string]string{"sender": senderId, "receiver": receiverId}
	return c.post(ctx, "/api/messages/read", body, nil)
}

func (c *HTTPClient) RenewConversation(ctx context.Context, userId, targetId string) (time.Time, error) {
	body := map[string]string{"userId": userId, "targetUserId": targetId}
	var resp struct {
		ConversationExpiry time.Time `json:"conversationExpiry"`
	}
	if err := c.post(ctx, "/api/collection/renew", body, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.ConversationExpiry, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, msg *model.Message) (string, error) {
	var resp struct {
		Message *model.Message `json:"message"`
	}
	if err := c.post(ctx, "/api/messages", msg, &resp); err != nil {
		return "", err
	}
	if resp.Message == nil {
		return "", fmt.Errorf("send message: empty response envelope")
	}
	return resp.Message.ServerId, nil
}

func (c *HTTPClient) FetchProfile(ctx context.Context, userId string) (*model.User, error) {
	var resp struct {
		User *model.User `json:"user"`
	}
	if err := c.get(ctx, "/api/users/"+url.PathEscape(userId), &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, fmt.Errorf("fetch profile: empty response envelope")
	}
	return resp.User, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Creds != nil && c.Creds.Token() != "" {
		req.Header.Set("Authorization", "Bearer "+c.Creds.Token())
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		glog.Errorf("rest: %s %s error: %v", method, path, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return model.ErrInsufficientBalance
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		glog.Errorf("rest: %s %s status %d: %s", method, path, resp.StatusCode, string(slurp))
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
