package trigger

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const amazonURL = "https://ip-ranges.amazonaws.com/ip-ranges.json"

func TestParser_Parse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		hosts   []string
		want    Notification
		wantErr bool
	}{
		{
			name: "checksum field",
			raw:  `{"url":"` + amazonURL + `","checksum":"abc"}`,
			want: Notification{URL: amazonURL, Checksum: "abc"},
		},
		{
			name: "md5 alias",
			raw:  `{"create-time":"2024-01-01-00-00-00","synctoken":"1","md5":"7fd59f5c7f5cf643036cbd4443ad3e4b","url":"` + amazonURL + `"}`,
			want: Notification{URL: amazonURL, Checksum: "7fd59f5c7f5cf643036cbd4443ad3e4b"},
		},
		{
			name: "checksum wins over md5",
			raw:  `{"url":"` + amazonURL + `","checksum":"one","md5":"two"}`,
			want: Notification{URL: amazonURL, Checksum: "one"},
		},
		{
			name:  "allowed host",
			raw:   `{"url":"` + amazonURL + `","md5":"abc"}`,
			hosts: []string{"IP-RANGES.amazonaws.com"},
			want:  Notification{URL: amazonURL, Checksum: "abc"},
		},
		{name: "not json", raw: `nope`, wantErr: true},
		{name: "missing url", raw: `{"md5":"abc"}`, wantErr: true},
		{name: "missing checksum", raw: `{"url":"` + amazonURL + `"}`, wantErr: true},
		{name: "file scheme", raw: `{"url":"file:///etc/passwd","md5":"abc"}`, wantErr: true},
		{
			name:    "host not allowed",
			raw:     `{"url":"https://evil.example.com/x.json","md5":"abc"}`,
			hosts:   []string{"ip-ranges.amazonaws.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewParser(tt.hosts).Parse([]byte(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParser_ParseBody(t *testing.T) {
	p := NewParser(nil)
	inner := `{"url":"` + amazonURL + `","md5":"abc"}`

	envelope, err := json.Marshal(Envelope{Type: TypeNotification, MessageID: "m-1", Message: inner})
	require.NoError(t, err)

	got, err := p.ParseBody(envelope)
	require.NoError(t, err)
	assert.Equal(t, Notification{URL: amazonURL, Checksum: "abc"}, got)

	got, err = p.ParseBody([]byte(inner))
	require.NoError(t, err)
	assert.Equal(t, amazonURL, got.URL)

	confirm, err := json.Marshal(Envelope{Type: TypeSubscriptionConfirmation, SubscribeURL: "https://sns.example.com/confirm"})
	require.NoError(t, err)
	_, err = p.ParseBody(confirm)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDecodeEnvelope(t *testing.T) {
	env, ok := DecodeEnvelope([]byte(`{"Type":"SubscriptionConfirmation","SubscribeURL":"https://sns.example.com/c"}`))
	require.True(t, ok)
	assert.Equal(t, TypeSubscriptionConfirmation, env.Type)
	assert.Equal(t, "https://sns.example.com/c", env.SubscribeURL)

	_, ok = DecodeEnvelope([]byte(`{"url":"x","md5":"y"}`))
	assert.False(t, ok)
}

func TestParser_FromSNSEvent(t *testing.T) {
	p := NewParser(nil)
	record := func(msg string) events.SNSEventRecord {
		return events.SNSEventRecord{SNS: events.SNSEntity{Message: msg}}
	}

	got, err := p.FromSNSEvent(events.SNSEvent{Records: []events.SNSEventRecord{
		record(`{"url":"` + amazonURL + `","md5":"abc"}`),
	}})
	require.NoError(t, err)
	assert.Equal(t, []Notification{{URL: amazonURL, Checksum: "abc"}}, got)

	_, err = p.FromSNSEvent(events.SNSEvent{})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = p.FromSNSEvent(events.SNSEvent{Records: []events.SNSEventRecord{
		record(`{"url":"` + amazonURL + `","md5":"abc"}`),
		record(`{}`),
	}})
	assert.ErrorIs(t, err, ErrInvalid)
}
