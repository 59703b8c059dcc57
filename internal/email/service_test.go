package email

import (
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"complete", Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com"}, true},
		{"missing host", Config{Port: "587", From: "noreply@example.com"}, false},
		{"missing port", Config{Host: "smtp.example.com", From: "noreply@example.com"}, false},
		{"missing from", Config{Host: "smtp.example.com", Port: "587"}, false},
		{"empty", Config{}, false},
	}
	for _, tc := range cases {
		if got := NewService(tc.cfg).IsConfigured(); got != tc.want {
			t.Errorf("%s: IsConfigured() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSendUnconfiguredFails(t *testing.T) {
	s := NewService(Config{})
	if err := s.SendHTMLEmail([]string{"a@example.com"}, "subject", "<p>hi</p>"); err == nil {
		t.Fatal("expected error sending with no configuration")
	}
}

func TestFromHeader(t *testing.T) {
	s := NewService(Config{From: "noreply@example.com", FromName: "Tradebook"})
	if got := s.fromHeader(); got != "Tradebook <noreply@example.com>" {
		t.Errorf("fromHeader() = %q", got)
	}
	s = NewService(Config{From: "noreply@example.com"})
	if got := s.fromHeader(); got != "noreply@example.com" {
		t.Errorf("fromHeader() without name = %q", got)
	}
}

func TestVerificationTemplateRenders(t *testing.T) {
	html, err := renderTemplate(verificationEmailTemplate, verificationData{
		AppName:         "Tradebook",
		UserName:        "Jo",
		VerificationURL: "https://app.example.com/verify?token=abc",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(html, "https://app.example.com/verify?token=abc") {
		t.Error("verification URL missing from rendered mail")
	}
	if !strings.Contains(html, "Welcome, Jo!") {
		t.Error("user name missing from rendered mail")
	}
}

func TestPasswordResetTemplateRenders(t *testing.T) {
	html, err := renderTemplate(passwordResetEmailTemplate, passwordResetData{
		AppName:  "Tradebook",
		UserName: "Jo",
		ResetURL: "https://app.example.com/reset?token=xyz",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(html, "https://app.example.com/reset?token=xyz") {
		t.Error("reset URL missing from rendered mail")
	}
}
