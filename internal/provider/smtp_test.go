package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"testing"

	"gopkg.in/gomail.v2"
)

func TestSMTPProviderDispatch(t *testing.T) {
	t.Parallel()

	var sent *gomail.Message
	p, err := newSMTPProvider(SMTPConfig{From: "noreply@example.com"}, func(m *gomail.Message) error {
		sent = m
		return nil
	})
	if err != nil {
		t.Fatalf("newSMTPProvider() error = %v", err)
	}

	result, err := p.Dispatch(context.Background(), "patient@example.com", Content{Subject: "Order shipped", Text: "on its way"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.ProviderID != "smtp" || !strings.HasPrefix(result.ProviderMessageID, "<") {
		t.Fatalf("Dispatch() = %+v", result)
	}

	if got := sent.GetHeader("To"); len(got) != 1 || got[0] != "patient@example.com" {
		t.Fatalf("To header = %v", got)
	}
	if got := sent.GetHeader("Subject"); len(got) != 1 || got[0] != "Order shipped" {
		t.Fatalf("Subject header = %v", got)
	}
	if got := sent.GetHeader("Message-ID"); len(got) != 1 || got[0] != result.ProviderMessageID {
		t.Fatalf("Message-ID header = %v, want %s", got, result.ProviderMessageID)
	}

	var buf bytes.Buffer
	if _, err := sent.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if !strings.Contains(buf.String(), "on its way") {
		t.Fatalf("body missing from message: %s", buf.String())
	}
}

func TestClassifySMTPError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		err           error
		wantCode      string
		wantRetryable bool
	}{
		{name: "textproto 421", err: &textproto.Error{Code: 421, Msg: "try again later"}, wantCode: "421", wantRetryable: true},
		{name: "textproto 550", err: &textproto.Error{Code: 550, Msg: "mailbox unavailable"}, wantCode: "550", wantRetryable: false},
		{name: "flattened 451", err: fmt.Errorf("gomail: could not send email 1: %v", "451 4.7.1 greylisted"), wantCode: "451", wantRetryable: true},
		{name: "flattened 554", err: errors.New("gomail: could not send email 1: 554 5.7.1 rejected"), wantCode: "554", wantRetryable: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), wantRetryable: true},
	}

	for _, tc := range testCases {
		code, retryable := classifySMTPError(tc.err)
		if code != tc.wantCode || retryable != tc.wantRetryable {
			t.Fatalf("%s: classifySMTPError() = %q, %v, want %q, %v", tc.name, code, retryable, tc.wantCode, tc.wantRetryable)
		}
	}
}

func TestNewSMTPProvider(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		cfg      SMTPConfig
		wantErr  string
		wantID   string
		wantPort int
	}{
		{
			name:     "defaults id and port",
			cfg:      SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"},
			wantID:   "smtp",
			wantPort: 587,
		},
		{
			name:     "keeps explicit settings",
			cfg:      SMTPConfig{ID: " mailer ", Host: "smtp.example.com", Port: 2525, From: "noreply@example.com"},
			wantID:   "mailer",
			wantPort: 2525,
		},
		{
			name:    "host required",
			cfg:     SMTPConfig{Host: " ", From: "noreply@example.com"},
			wantErr: "smtp host is required",
		},
		{
			name:    "from required",
			cfg:     SMTPConfig{Host: "smtp.example.com"},
			wantErr: "smtp from address is required",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p, err := NewSMTPProvider(tc.cfg)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("NewSMTPProvider() error = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSMTPProvider() error = %v", err)
			}
			if p.ID() != tc.wantID || p.cfg.Port != tc.wantPort || p.send == nil {
				t.Fatalf("NewSMTPProvider() = id %q port %d", p.ID(), p.cfg.Port)
			}
		})
	}
}

func TestNewSMTPProviderDispatchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	p, err := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "noreply@example.com"})
	if err != nil {
		t.Fatalf("NewSMTPProvider() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Dispatch(ctx, "patient@example.com", Content{Subject: "s", Text: "t"})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.ProviderID != "smtp" || !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch() error = %v, want canceled ProviderError", err)
	}
}
