package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const mailpitImage = "ghcr.io/axllent/mailpit:latest"

// MailpitContainer is an SMTP sink whose inbox is readable over REST.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	apiURL   string
}

// NewMailpitContainer starts Mailpit accepting any SMTP credentials.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mailpitImage,
			ExposedPorts: []string{"1025/tcp", "8025/tcp"},
			Env: map[string]string{
				"MP_SMTP_AUTH_ACCEPT_ANY":     "1",
				"MP_SMTP_AUTH_ALLOW_INSECURE": "1",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("1025/tcp"),
				wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
			).WithDeadline(startTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", mailpitImage, err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("mailpit host: %w", err)
	}
	smtpPort, err := c.MappedPort(ctx, "1025/tcp")
	if err != nil {
		return nil, fmt.Errorf("mailpit smtp port: %w", err)
	}
	apiPort, err := c.MappedPort(ctx, "8025/tcp")
	if err != nil {
		return nil, fmt.Errorf("mailpit api port: %w", err)
	}

	return &MailpitContainer{
		Container: c,
		SMTPHost:  host,
		SMTPPort:  smtpPort.Int(),
		apiURL:    fmt.Sprintf("http://%s:%d", host, apiPort.Int()),
	}, nil
}

// Client returns a REST client for the container's inbox.
func (c *MailpitContainer) Client() *MailpitClient {
	return &MailpitClient{
		baseURL:    c.apiURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// MailpitClient reads the Mailpit inbox over its REST API.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// MailpitMessage is a message summary; HTML and Headers are filled by Message.
type MailpitMessage struct {
	ID        string              `json:"ID"`
	MessageID string              `json:"MessageID"`
	From      MailpitAddress      `json:"From"`
	To        []MailpitAddress    `json:"To"`
	Subject   string              `json:"Subject"`
	Snippet   string              `json:"Snippet"`
	HTML      string              `json:"HTML"`
	Headers   map[string][]string `json:"-"`
}

// MailpitAddress represents an email address.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

type messagesResponse struct {
	Messages []MailpitMessage `json:"messages"`
	Total    int              `json:"messages_count"`
}

// Messages returns every message in the inbox, newest first.
func (c *MailpitClient) Messages() ([]MailpitMessage, error) {
	var result messagesResponse
	if err := c.getJSON("/api/v1/messages", &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// SearchByRecipient returns messages addressed to email.
func (c *MailpitClient) SearchByRecipient(email string) ([]MailpitMessage, error) {
	var result messagesResponse
	if err := c.getJSON("/api/v1/search?query="+url.QueryEscape("to:"+email), &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// Message returns one message with its HTML body and raw headers.
func (c *MailpitClient) Message(id string) (*MailpitMessage, error) {
	var msg MailpitMessage
	if err := c.getJSON("/api/v1/message/"+id, &msg); err != nil {
		return nil, err
	}
	if err := c.getJSON("/api/v1/message/"+id+"/headers", &msg.Headers); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteAll clears the inbox.
func (c *MailpitClient) DeleteAll() error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/v1/messages", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete messages: status %d", resp.StatusCode)
	}
	return nil
}

// WaitForRecipient polls until at least count messages reach email.
func (c *MailpitClient) WaitForRecipient(email string, count int, timeout time.Duration) ([]MailpitMessage, error) {
	deadline := time.Now().Add(timeout)
	var (
		messages []MailpitMessage
		err      error
	)
	for time.Now().Before(deadline) {
		messages, err = c.SearchByRecipient(email)
		if err == nil && len(messages) >= count {
			return messages, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return messages, fmt.Errorf("timeout waiting for %d messages to %s: %w", count, email, err)
	}
	return messages, fmt.Errorf("timeout waiting for %d messages to %s, got %d", count, email, len(messages))
}

func (c *MailpitClient) getJSON(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
