package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
)

type stubSites map[string]domain.Site

func (s stubSites) GetSiteByID(_ context.Context, id string) (*domain.Site, error) {
	site, ok := s[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &site, nil
}

type recorder struct {
	calls []string
	err   error
}

func (r *recorder) deploy(_ context.Context, siteID, ref string) (string, error) {
	r.calls = append(r.calls, siteID+"@"+ref)
	return "dep-1", r.err
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newService(secret string, rec *recorder) Service {
	sites := stubSites{
		"s1": {ID: "s1", Name: "blog", Branch: "main", Autodeploy: true},
		"s2": {ID: "s2", Name: "docs", Branch: "main"},
	}
	return New(secret, sites, rec.deploy, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidateSignature(t *testing.T) {
	svc := newService("topsecret", &recorder{})
	body := []byte(`{"ref":"refs/heads/main"}`)
	if err := svc.ValidateSignature(body, sign("topsecret", body)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := svc.ValidateSignature(body, sign("other", body)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if err := svc.ValidateSignature(body, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected missing signature to fail, got %v", err)
	}
	unset := newService("", &recorder{})
	if err := unset.ValidateSignature(body, sign("", body)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestHandlePushTriggersDeploy(t *testing.T) {
	rec := &recorder{}
	svc := newService("k", rec)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	res, err := svc.HandlePush(context.Background(), "s1", body, sign("k", body))
	if err != nil {
		t.Fatalf("handle push: %v", err)
	}
	if !res.Triggered || res.DeploymentID != "dep-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "s1@main" {
		t.Fatalf("unexpected deploy calls %v", rec.calls)
	}
}

func TestHandlePushSkips(t *testing.T) {
	cases := map[string]struct {
		site string
		body string
	}{
		"autodeploy off": {"s2", `{"ref":"refs/heads/main"}`},
		"other branch":   {"s1", `{"ref":"refs/heads/feature"}`},
		"tag push":       {"s1", `{"ref":"refs/tags/v1.0.0"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			svc := newService("k", rec)
			body := []byte(tc.body)
			res, err := svc.HandlePush(context.Background(), tc.site, body, sign("k", body))
			if err != nil {
				t.Fatalf("handle push: %v", err)
			}
			if res.Triggered || res.Reason == "" {
				t.Fatalf("expected skip with reason, got %+v", res)
			}
			if len(rec.calls) != 0 {
				t.Fatalf("deploy should not run, got %v", rec.calls)
			}
		})
	}
}

func TestHandlePushPropagatesConflict(t *testing.T) {
	rec := &recorder{err: domain.ErrConcurrencyConflict}
	svc := newService("k", rec)
	body := []byte(`{"ref":"refs/heads/main"}`)
	if _, err := svc.HandlePush(context.Background(), "s1", body, sign("k", body)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestHandlePushRejectsBadSignatureFirst(t *testing.T) {
	rec := &recorder{}
	svc := newService("k", rec)
	if _, err := svc.HandlePush(context.Background(), "missing", []byte(`{}`), "sha256=00"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}
