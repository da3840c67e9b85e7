package redisconn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"siderec/internal/testsupport/redisstub"
)

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(context.Background(), Config{Addrs: []string{" ", ""}}); err == nil {
		t.Fatal("expected error without addresses")
	}
}

func TestNewAuthenticates(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	if _, err := New(context.Background(), Config{Addr: srv.Addr(), Password: "wrong"}); err == nil {
		t.Fatal("expected wrong password to fail")
	}

	client, err := New(context.Background(), Config{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("SET: %v", err)
	}
	got, err := client.Get(context.Background(), "k").Result()
	if err != nil || got != "v" {
		t.Fatalf("GET returned %q, %v", got, err)
	}
	if _, err := client.Get(context.Background(), "missing").Result(); !IsNil(err) {
		t.Fatalf("expected nil reply, got %v", err)
	}
}

func TestNewWithTLS(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{EnableTLS: true})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	client, err := New(context.Background(), Config{
		Addr: srv.Addr(),
		TLS:  TLSConfig{CAFile: caPath, ServerName: "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("New with TLS: %v", err)
	}
	_ = client.Close()
}

func TestBuildTLSConfigRejectsInvalidCA(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := BuildTLSConfig(TLSConfig{CAFile: caPath}); err == nil {
		t.Fatal("expected invalid CA error")
	}
	cfg, err := BuildTLSConfig(TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config without TLS settings, got %v %v", cfg, err)
	}
}
