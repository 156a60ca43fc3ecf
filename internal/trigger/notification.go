// Package trigger decodes "range list changed" notifications in the forms
// they arrive in: the raw message, an SNS HTTP envelope or a Lambda SNS event.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// ErrInvalid is wrapped by every decoding and validation failure.
var ErrInvalid = errors.New("invalid notification")

// Notification announces a new version of the published document.
type Notification struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
}

// message is the wire form. AWS publishes the digest as "md5".
type message struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
	MD5      string `json:"md5"`
}

// SNS envelope types.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// Envelope is the body SNS posts to HTTP subscribers.
type Envelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Subject      string `json:"Subject"`
	Message      string `json:"Message"`
	Timestamp    string `json:"Timestamp"`
	SubscribeURL string `json:"SubscribeURL"`
}

// Parser decodes and validates notifications.
type Parser struct {
	allowedHosts map[string]bool
}

// NewParser creates a parser. An empty allowedHosts accepts any host.
func NewParser(allowedHosts []string) *Parser {
	p := &Parser{}
	if len(allowedHosts) > 0 {
		p.allowedHosts = make(map[string]bool, len(allowedHosts))
		for _, h := range allowedHosts {
			p.allowedHosts[strings.ToLower(strings.TrimSpace(h))] = true
		}
	}
	return p
}

// Parse decodes a raw {"url", "checksum"} message.
func (p *Parser) Parse(raw []byte) (Notification, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	n := Notification{URL: strings.TrimSpace(m.URL), Checksum: strings.TrimSpace(m.Checksum)}
	if n.Checksum == "" {
		n.Checksum = strings.TrimSpace(m.MD5)
	}
	if err := p.Validate(n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Validate checks the URL scheme and host and that a checksum is present.
func (p *Parser) Validate(n Notification) error {
	if n.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if n.Checksum == "" {
		return fmt.Errorf("%w: checksum is required", ErrInvalid)
	}
	u, err := url.Parse(n.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalid)
	}
	if p.allowedHosts != nil && !p.allowedHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("%w: host %q not allowed", ErrInvalid, u.Hostname())
	}
	return nil
}

// DecodeEnvelope reports whether body is an SNS envelope and decodes it.
func DecodeEnvelope(body []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		return Envelope{}, false
	}
	return env, true
}

// ParseBody accepts either an SNS Notification envelope or a raw message.
// Other envelope types are rejected; callers handle confirmations first.
func (p *Parser) ParseBody(body []byte) (Notification, error) {
	env, ok := DecodeEnvelope(body)
	if !ok {
		return p.Parse(body)
	}
	if env.Type != TypeNotification {
		return Notification{}, fmt.Errorf("%w: unexpected SNS message type %q", ErrInvalid, env.Type)
	}
	return p.Parse([]byte(env.Message))
}

// FromSNSEvent decodes every record of a Lambda SNS event. Any invalid record
// fails the whole event.
func (p *Parser) FromSNSEvent(ev events.SNSEvent) ([]Notification, error) {
	if len(ev.Records) == 0 {
		return nil, fmt.Errorf("%w: event has no records", ErrInvalid)
	}
	out := make([]Notification, 0, len(ev.Records))
	for i, rec := range ev.Records {
		n, err := p.Parse([]byte(rec.SNS.Message))
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}
