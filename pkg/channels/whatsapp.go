package channels

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/sipeed/picocrm/pkg/config"
	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/logger"
	"github.com/sipeed/picocrm/pkg/timelabel"
	"github.com/sipeed/picocrm/pkg/utils"
)

// WhatsAppChannel talks to an Evolution-API style WhatsApp provider.
type WhatsAppChannel struct {
	*BaseChannel
	config config.WhatsAppConfig
	apiURL string
	client *resty.Client
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, labeler *timelabel.Labeler) (*WhatsAppChannel, error) {
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		return nil, fmt.Errorf("whatsapp api_url is required")
	}
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, fmt.Errorf("whatsapp instance is required")
	}

	httpClient := &http.Client{}
	if token := cfg.BearerToken(); token != "" {
		httpClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
		}))
	}
	client := resty.NewWithClient(httpClient).
		SetBaseURL(apiURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel(inbox.ChannelWhatsApp, true, labeler),
		config:      cfg,
		apiURL:      apiURL,
		client:      client,
	}, nil
}

func (c *WhatsAppChannel) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(params).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: HTTP %d", path, resp.StatusCode())
	}
	return resp.Body(), nil
}

// ListConversations fetches the instance's chats.
func (c *WhatsAppChannel) ListConversations(ctx context.Context) ([]inbox.Conversation, error) {
	body, err := c.get(ctx, "/chat/fetchChats/{instance}", map[string]string{
		"instance": c.config.Instance,
	})
	if err != nil {
		logger.WarnCF("whatsapp", "Failed to fetch chats", map[string]interface{}{
			"instance": c.config.Instance,
			"error":    err.Error(),
		})
		return nil, err
	}
	convs := parseChats(body, c.labeler)
	logger.DebugCF("whatsapp", "Fetched chats", map[string]interface{}{"count": len(convs)})
	return convs, nil
}

// ListMessages fetches history for a phone number or JID; anything but
// digits is stripped before the call.
func (c *WhatsAppChannel) ListMessages(ctx context.Context, identifier string) ([]inbox.Message, error) {
	number := utils.DigitsOnly(identifier)
	if number == "" {
		return nil, fmt.Errorf("no phone digits in %q", identifier)
	}
	body, err := c.get(ctx, "/chat/fetchMessages/{instance}/{number}", map[string]string{
		"instance": c.config.Instance,
		"number":   number,
	})
	if err != nil {
		logger.WarnCF("whatsapp", "Failed to fetch messages", map[string]interface{}{
			"number": number,
			"error":  err.Error(),
		})
		return nil, err
	}
	return parseMessages(body, c.apiURL, c.labeler), nil
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption"`
}

func (c *WhatsAppChannel) post(ctx context.Context, path string, body interface{}) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("instance", c.config.Instance).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("POST %s: HTTP %d", path, resp.StatusCode())
	}
	return nil
}

func (c *WhatsAppChannel) SendText(ctx context.Context, identifier, text string) error {
	number := utils.DigitsOnly(identifier)
	if number == "" {
		return fmt.Errorf("no phone digits in %q", identifier)
	}
	if err := c.post(ctx, "/message/sendText/{instance}", sendTextRequest{Number: number, Text: text}); err != nil {
		logger.ErrorCF("whatsapp", "Failed to send text", map[string]interface{}{
			"number": number,
			"error":  err.Error(),
		})
		return err
	}
	logger.InfoCF("whatsapp", "Text sent", map[string]interface{}{
		"number":  number,
		"preview": utils.Truncate(text, 40),
	})
	return nil
}

// SendMedia sends an image or audio by URL. Video and documents are not
// composed from the inbox.
func (c *WhatsAppChannel) SendMedia(ctx context.Context, identifier string, kind inbox.ContentType, mediaURL, caption string) error {
	number := utils.DigitsOnly(identifier)
	if number == "" {
		return fmt.Errorf("no phone digits in %q", identifier)
	}
	if kind != inbox.ContentImage && kind != inbox.ContentAudio {
		return fmt.Errorf("unsupported media type %q", kind)
	}
	if strings.TrimSpace(mediaURL) == "" {
		return fmt.Errorf("media url is required")
	}
	err := c.post(ctx, "/message/sendMedia/{instance}", sendMediaRequest{
		Number:    number,
		MediaType: string(kind),
		Media:     mediaURL,
		Caption:   caption,
	})
	if err != nil {
		logger.ErrorCF("whatsapp", "Failed to send media", map[string]interface{}{
			"number": number,
			"kind":   string(kind),
			"error":  err.Error(),
		})
	}
	return err
}

// Connected asks the provider whether the instance session is open. Any
// failure reads as disconnected.
func (c *WhatsAppChannel) Connected(ctx context.Context) bool {
	body, err := c.get(ctx, "/instance/connectionState/{instance}", map[string]string{
		"instance": c.config.Instance,
	})
	if err != nil {
		logger.WarnCF("whatsapp", "Connection check failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return connectionOpen(body)
}
